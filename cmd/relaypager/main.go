// Command relaypager pages through a Relay connection of a GraphQL endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/llehouerou/go-graphql-relay/pkg/logging"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	LogLevel string
	Pretty   bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "relaypager",
		Short: "Page through Relay connections",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(opts.LogLevel)
			if err != nil {
				return err
			}
			logging.Setup(logging.Config{Level: level, Pretty: opts.Pretty, Output: cmd.ErrOrStderr()})
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error|disabled)")
	cmd.PersistentFlags().BoolVar(&opts.Pretty, "pretty", false, "human readable logs")

	cmd.AddCommand(newFetchCommand(opts))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
