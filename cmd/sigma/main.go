package main

import (
	"os"

	"github.com/telhawk-systems/telhawk-sigma/internal/cli"
	"github.com/telhawk-systems/telhawk-sigma/internal/output"
)

func main() {
	if err := cli.Execute(); err != nil {
		output.Error("%v", err)
		os.Exit(1)
	}
}
