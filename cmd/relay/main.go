// Command relay runs the BrowserForce relay broker and inspects a running
// instance.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "BrowserForce CDP relay broker",
		Long:          "Bridges CDP automation clients to a real browser through the BrowserForce extension.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		os.Stderr.WriteString("relay: " + err.Error() + "\n")
		os.Exit(1)
	}
}
