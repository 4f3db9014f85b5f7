// Command lmsrd is the entry point for the LMSR market daemon. See
// "lmsrd --help" for the subcommands.
package main

import "github.com/alanyoungcy/lmsrmarket/internal/cli"

func main() {
	cli.Execute()
}
