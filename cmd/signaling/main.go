package main

import (
	"os"

	"github.com/mossy-p/telehealth-signaling/cmd/signaling/commands"
)

func main() {
	rootCmd := commands.NewRootCmd()

	// Do not print usage when the server fails at runtime
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
