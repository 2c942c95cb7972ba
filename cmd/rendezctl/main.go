// Command rendezctl is an operator tool that scrapes a running rendezd
// instance's Prometheus endpoint and renders the rendezvous counters in
// a human-readable form.
package main

import (
	"fmt"
	"os"

	"github.com/kessler-dev/rendez/cmd/rendezctl/commands"
)

func main() {
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
