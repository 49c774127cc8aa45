// Package main provides the speedcut command line tool.
package main

import (
	"fmt"
	"os"

	"github.com/maauso/speedcut/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(cli.ExitCode(err))
}
