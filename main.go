package main

import "github.com/asnode/txcore/cmd"

func main() {
	cmd.Execute()
}
