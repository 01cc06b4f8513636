// Package main runs the mock agent service on its own.
package main

import (
	"fmt"
	"os"

	"github.com/davidop/marketing-agent-comm-sub000/internal/cmd"
)

func main() {
	if err := cmd.RunMockAgent(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
