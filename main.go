// Package main is the entry point of the caputils command line tools.
package main

import (
	"fmt"
	"os"

	"github.com/DPMI/libcap-utils-sub001/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
