package reactor

import (
	"net"
	"time"
)

// TCPTuning carries the socket-level knobs applied to every connection a
// tuningListener accepts. Grounded on
// rpc/transport/tcp/server.go's serverConnector.UpgradeConnection, which
// applies the same options post-accept rather than at listen time; ported
// here as an Accept-time wrapper so lib/reactor.Reactor can keep accepting a
// plain net.Listener.
type TCPTuning struct {
	NoDelay         bool
	KeepAlivePeriod time.Duration // <= 0 disables keep-alive
	LingerSeconds   int           // negative leaves the OS default
	ReadBufferSize  int
	WriteBufferSize int
}

type tuningListener struct {
	net.Listener
	tuning TCPTuning
}

// WrapTCPListener applies tuning to every *net.TCPConn l.Accept() returns.
// Non-TCP connections (e.g. in tests, net.Pipe) pass through untouched.
func WrapTCPListener(l net.Listener, tuning TCPTuning) net.Listener {
	return &tuningListener{Listener: l, tuning: tuning}
}

func (tl *tuningListener) Accept() (net.Conn, error) {
	conn, err := tl.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}

	if err := tcpConn.SetNoDelay(tl.tuning.NoDelay); err != nil {
		log.Warningf("tcp tuning: SetNoDelay: %v", err)
	}
	if tl.tuning.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(tl.tuning.WriteBufferSize); err != nil {
			log.Warningf("tcp tuning: SetWriteBuffer: %v", err)
		}
	}
	if tl.tuning.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(tl.tuning.ReadBufferSize); err != nil {
			log.Warningf("tcp tuning: SetReadBuffer: %v", err)
		}
	}
	if tl.tuning.KeepAlivePeriod > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			log.Warningf("tcp tuning: SetKeepAlive: %v", err)
		} else if err := tcpConn.SetKeepAlivePeriod(tl.tuning.KeepAlivePeriod); err != nil {
			log.Warningf("tcp tuning: SetKeepAlivePeriod: %v", err)
		}
	}
	if tl.tuning.LingerSeconds >= 0 {
		if err := tcpConn.SetLinger(tl.tuning.LingerSeconds); err != nil {
			log.Warningf("tcp tuning: SetLinger: %v", err)
		}
	}

	return conn, nil
}
