package main

import (
	"fmt"
	"os"

	"github.com/adolago/rustible/cmd"
)

func main() {
	app := cmd.RootCommand()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
