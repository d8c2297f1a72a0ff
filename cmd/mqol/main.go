// Package main provides the mqol command-line client.
package main

import (
	"os"

	"github.com/ashureev/mqol-labs/internal/cli"
)

func main() {
	app := cli.NewApp()
	rootCmd := app.CreateRootCommand()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
