// Command kwsync synchronizes a local keyword registry with a remote sync
// service.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/kwsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
