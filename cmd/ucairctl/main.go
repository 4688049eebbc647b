package main

import "github.com/talkware/ucair/internal/cli"

func main() {
	cli.Execute()
}
