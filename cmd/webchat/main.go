// Package main is the entry point for the webchat relay server.
//
// Usage:
//
//	webchat [flags] <command> [args]
//
// Commands:
//
//	serve      - Run the chat relay server
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/webchat/cmd/webchat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
