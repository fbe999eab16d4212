package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/emit"
	"github.com/benbjohnson/p4testgen/ir"
	"github.com/spf13/cobra"
)

// GraphCommand represents a command for rendering a program's control flow.
type GraphCommand struct {
	Tests  string
	Output string

	Stdout io.Writer
}

// NewGraphCommand returns a new instance of GraphCommand.
func NewGraphCommand() *GraphCommand {
	return &GraphCommand{Output: "-", Stdout: os.Stdout}
}

// Command returns the cobra command bound to cmd's fields.
func (cmd *GraphCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "graph {program.yaml}",
		Short: "Render the control flow of a program as a dot graph",
		Long: "This command writes a graphviz dot graph with a cluster per parser and control. " +
			"If a test file written by generate is given, statements are colored green when a test covers " +
			"them and red otherwise.",
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cmd.Stdout = c.OutOrStdout()
			return cmd.Run(c.Context(), args[0])
		},
	}

	f := c.Flags()
	f.StringVarP(&cmd.Tests, "tests", "t", cmd.Tests, "YAML test file used to color covered statements")
	f.StringVarP(&cmd.Output, "output", "o", cmd.Output, "output file path or - for stdout")
	return c
}

// Run executes the "graph" subcommand.
func (cmd *GraphCommand) Run(ctx context.Context, path string) error {
	prog, err := ir.LoadFile(path)
	if err != nil {
		return err
	}

	var cov *p4testgen.Coverage
	if cmd.Tests != "" {
		if cov, err = loadCoverage(prog, cmd.Tests); err != nil {
			return err
		}
	}
	graph := emit.CoverageGraph(prog, cov)

	if cmd.Output == "-" {
		_, err := fmt.Fprintln(cmd.Stdout, graph.String())
		return err
	}
	return os.WriteFile(cmd.Output, []byte(graph.String()), 0o644)
}

// loadCoverage returns the statements covered by the tests in filename.
func loadCoverage(prog *ir.Program, filename string) (*p4testgen.Coverage, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := emit.ReadYAML(f)
	if err != nil {
		return nil, fmt.Errorf("read tests: %w", err)
	} else if doc.Program != prog.Name {
		return nil, fmt.Errorf("tests were generated for %q, not %q", doc.Program, prog.Name)
	}

	cov := p4testgen.NewCoverage(prog)
	for _, t := range doc.Tests {
		cov.Add(t.Covered...)
	}
	return cov, nil
}
