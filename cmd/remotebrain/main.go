package main

import "github.com/thedanheller/remote-brain/internal/cli"

func main() {
	cli.Execute()
}
