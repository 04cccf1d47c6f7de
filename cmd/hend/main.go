// hend runs and drives hen testbed daemons.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func main() {
	cmd := &cobra.Command{
		Use:   filepath.Base(os.Args[0]),
		Short: "Testbed control-plane daemons",
		Args:  cobra.NoArgs,
		// Errors are printed below.
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newServe(),
		newCall(),
		newStop(),
		newSample(),
		newHashPassword(),
	)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
