// Command gateway runs the broker gateway CLI and HTTP API.
package main

import (
	"context"
	"os"

	"github.com/fatih/color"

	"broker-gateway/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
