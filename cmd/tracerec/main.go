package main

import (
	"os"

	"github.com/majorcontext/tracerec/cmd/tracerec/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
