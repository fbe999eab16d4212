package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand returns the top-level command with all subcommands attached.
func NewRootCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "p4testgen",
		Short: "P4testgen generates packet tests for P4 programs by symbolic execution",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetFlags(0)
			if !verbose {
				log.SetOutput(io.Discard)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log exploration steps to stderr")

	cmd.AddCommand(NewGenerateCommand().Command())
	cmd.AddCommand(NewGraphCommand().Command())
	return cmd
}
