// Package main is the entry point for the strest load generator.
package main

import (
	"fmt"
	"os"

	"github.com/strest-io/strest/cmd"
	_ "github.com/strest-io/strest/internal/protocol/builtin" // register built-in protocol adapters
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
