package main

import "github.com/nhle/verimail/cmd"

func main() {
	cmd.Execute()
}
