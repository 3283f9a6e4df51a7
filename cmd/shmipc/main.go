// Command shmipc is a small demonstration and debugging CLI for the
// shmipc library: it can create or attach to a named message or queue
// region and drive a single write or read from the command line, which
// is useful for poking at a region another process already owns.
package main

import (
	"fmt"
	"os"

	"github.com/shmipc-go/shmipc/cmd/shmipc/internal/cli"
)

func main() {
	if err := cli.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
