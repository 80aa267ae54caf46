package main

import (
	"fmt"
	"os"

	"github.com/sweeplab/sweep/cmd/sweep/cmd"
	"github.com/sweeplab/sweep/environment"
)

func main() {
	// Worker and relay children re-execute their parent binary; Init
	// takes the process over when one of those roles is requested and
	// never returns. For a plain invocation it falls through to the CLI.
	environment.Init()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
