package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Run with `go run ./tools/journal-cli`

func main() {
	app := &cli.App{
		Name:     "Journal Toolbox",
		HelpName: "journal",
		Usage:    "A set of utilities to inspect and maintain layered DB directories",
		Flags:    []cli.Flag{},
		Commands: []*cli.Command{
			&getInfoCommand,
			&evictCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
