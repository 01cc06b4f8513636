// Package main is the entry point for the agentcomm CLI application.
package main

import (
	"fmt"
	"os"

	"github.com/davidop/marketing-agent-comm-sub000/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
