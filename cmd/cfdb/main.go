package main

import (
	"os"

	"cfdb/cmd/cfdb/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
