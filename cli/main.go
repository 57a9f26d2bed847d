package main

import (
	"github.com/awnumar/memguard"

	"southwinds.dev/heirloom/cli/cmd"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cmd.Execute()
}
