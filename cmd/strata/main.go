// Command strata is the command-line front end of the tiered memory engine.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
