// The main package for the gallery-engine executable.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gallery-engine: %v\n", err)
		os.Exit(1)
	}
}
