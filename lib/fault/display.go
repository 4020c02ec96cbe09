package fault

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DisplayStyle selects how binary payloads are rendered for log output.
type DisplayStyle int

const (
	HexDigest DisplayStyle = iota
	HexSpaced
	HexPacked
	HexColumns
	Base64Style
	BitsSpaced
	BitsColumns
)

// Display renders b according to style, for embedding in a log message.
func Display(style DisplayStyle, b []byte) string {
	switch style {
	case HexDigest:
		return hex.EncodeToString(b)
	case HexPacked:
		return hex.EncodeToString(b)
	case HexSpaced:
		parts := make([]string, len(b))
		for i, c := range b {
			parts[i] = fmt.Sprintf("%02x", c)
		}
		return strings.Join(parts, " ")
	case HexColumns:
		var sb strings.Builder
		for i, c := range b {
			if i > 0 && i%16 == 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%02x ", c)
		}
		return sb.String()
	case Base64Style:
		return base64.StdEncoding.EncodeToString(b)
	case BitsSpaced:
		parts := make([]string, len(b))
		for i, c := range b {
			parts[i] = fmt.Sprintf("%08b", c)
		}
		return strings.Join(parts, " ")
	case BitsColumns:
		var sb strings.Builder
		for i, c := range b {
			if i > 0 && i%8 == 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%08b ", c)
		}
		return sb.String()
	default:
		return hex.EncodeToString(b)
	}
}
