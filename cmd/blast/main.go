package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/spacetelescope/blast/pkg/cli"
)

var version = "dev"

func main() {
	config := cli.NewConfig()
	config.Version = version

	err := cli.NewCLI(config).ExecuteContext(context.Background(), os.Args[1:])
	if err == nil {
		return
	}

	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(os.Stderr, exitErr.Err)
		}
		os.Exit(exitErr.Code)
	}

	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
	os.Exit(1)
}
