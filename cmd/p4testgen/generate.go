package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/emit"
	"github.com/benbjohnson/p4testgen/ir"
	"github.com/benbjohnson/p4testgen/p4rt"
	"github.com/benbjohnson/p4testgen/targets"
	"github.com/benbjohnson/p4testgen/z3"
	"github.com/spf13/cobra"
)

// Output formats written by the generate command.
const (
	FormatYAML = "yaml"
	FormatPcap = "pcap"
	FormatP4RT = "p4rt"
)

// GenerateCommand represents a command for generating test cases.
type GenerateCommand struct {
	Device         string
	Arch           string
	Search         []string
	Seed           int64
	MaxTests       int
	MaxPacketBytes uint
	SolverTimeout  time.Duration
	Timeout        time.Duration
	OutputDir      string
	Formats        []string
	DeviceID       uint64

	Stdout io.Writer
}

// NewGenerateCommand returns a new instance of GenerateCommand.
func NewGenerateCommand() *GenerateCommand {
	return &GenerateCommand{
		Search:         []string{p4testgen.SearchDFS},
		MaxPacketBytes: p4testgen.DefaultMaxPacketBytes,
		OutputDir:      ".",
		Formats:        []string{FormatYAML, FormatPcap, FormatP4RT},
		DeviceID:       1,
		Stdout:         os.Stdout,
	}
}

// Command returns the cobra command bound to cmd's fields.
func (cmd *GenerateCommand) Command() *cobra.Command {
	c := &cobra.Command{
		Use:   "generate {program.yaml}",
		Short: "Generate tests for a compiled P4 program",
		Long: "This command explores every path through the program, solves each path for a concrete input " +
			"packet and control-plane configuration and writes the resulting tests to the output directory.\n\n" +
			"The target is chosen by --device and --arch. If neither is given the program's architecture is used.",
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cmd.Stdout = c.OutOrStdout()
			return cmd.Run(c.Context(), args[0])
		},
	}

	f := c.Flags()
	f.StringVarP(&cmd.Device, "device", "d", cmd.Device, "target device: bmv2, dpdk or tofino")
	f.StringVarP(&cmd.Arch, "arch", "a", cmd.Arch, "target architecture, defaults to the program's")
	f.StringSliceVarP(&cmd.Search, "search", "s", cmd.Search, "path selection strategies, chosen round-robin: dfs, bfs, random, coverage")
	f.Int64Var(&cmd.Seed, "seed", cmd.Seed, "seed for randomized strategies")
	f.IntVarP(&cmd.MaxTests, "max-tests", "n", cmd.MaxTests, "stop after this many tests, zero is unlimited")
	f.UintVar(&cmd.MaxPacketBytes, "max-packet-bytes", cmd.MaxPacketBytes, "upper bound on input packet size")
	f.DurationVar(&cmd.SolverTimeout, "solver-timeout", cmd.SolverTimeout, "per-query solver timeout")
	f.DurationVar(&cmd.Timeout, "timeout", cmd.Timeout, "stop exploring after this long")
	f.StringVarP(&cmd.OutputDir, "out-dir", "o", cmd.OutputDir, "directory to write tests to")
	f.StringSliceVarP(&cmd.Formats, "format", "f", cmd.Formats, "output formats: yaml, pcap, p4rt")
	f.Uint64Var(&cmd.DeviceID, "device-id", cmd.DeviceID, "device id in P4Runtime write requests")
	return c
}

// Run executes the "generate" subcommand.
func (cmd *GenerateCommand) Run(ctx context.Context, path string) error {
	prog, err := ir.LoadFile(path)
	if err != nil {
		return err
	}

	target, err := cmd.lookupTarget(prog)
	if err != nil {
		return err
	}

	solver := z3.NewSolver()
	defer solver.Close()
	solver.Timeout = cmd.SolverTimeout

	e := p4testgen.NewExecutor(prog, target)
	e.Solver = solver
	e.MaxTests = cmd.MaxTests
	e.MaxPacketBytes = cmd.MaxPacketBytes
	if e.Searcher, err = cmd.newSearcher(e.Coverage()); err != nil {
		return err
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	// A deadline stops exploration but keeps the tests found so far.
	tests, err := e.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Printf("[generate] deadline exceeded after %d tests", len(tests))
	} else if err != nil {
		return err
	}

	for _, t := range tests {
		log.Printf("[generate] test %d: %s %s", t.ID, t.Status, emit.DescribePacket(t.InputPacket))
	}

	if err := cmd.write(prog, target, tests); err != nil {
		return err
	}

	cov := e.Coverage()
	fmt.Fprintf(cmd.Stdout, "%s: %d tests, %d/%d statements covered (%.1f%%)\n",
		prog.Name, len(tests), cov.Covered(), cov.Total(), cov.Ratio()*100)
	fmt.Fprintf(cmd.Stdout, "steps=%d forks=%d pruned=%d solver_calls=%d unimplemented=%d\n",
		e.Stats.Steps, e.Stats.Forks, e.Stats.Pruned, e.Stats.SolverCalls, e.Stats.Unimplemented)
	return nil
}

func (cmd *GenerateCommand) lookupTarget(prog *ir.Program) (p4testgen.Target, error) {
	registry := targets.NewRegistry()

	arch := cmd.Arch
	if arch == "" {
		arch = prog.Arch
	}
	if cmd.Device == "" {
		return registry.LookupArch(arch)
	}
	return registry.Lookup(cmd.Device, arch)
}

func (cmd *GenerateCommand) newSearcher(cov *p4testgen.Coverage) (p4testgen.Searcher, error) {
	var a []p4testgen.Searcher
	for i, name := range cmd.Search {
		s, err := p4testgen.NewSearcher(strings.TrimSpace(name), cmd.Seed+int64(i), cov)
		if err != nil {
			return nil, err
		}
		a = append(a, s)
	}

	switch len(a) {
	case 0:
		return p4testgen.NewDFSSearcher(), nil
	case 1:
		return a[0], nil
	default:
		return p4testgen.NewMultiSearcher(a...), nil
	}
}

func (cmd *GenerateCommand) write(prog *ir.Program, target p4testgen.Target, tests []*p4testgen.TestSpec) error {
	if err := os.MkdirAll(cmd.OutputDir, 0o755); err != nil {
		return err
	}
	base := filepath.Join(cmd.OutputDir, prog.Name)

	doc := emit.NewDocument(prog.Name, target, tests)
	for _, format := range cmd.Formats {
		switch format {
		case FormatYAML:
			if err := emit.WriteFile(base+".yaml", doc); err != nil {
				return fmt.Errorf("write yaml: %w", err)
			}
		case FormatPcap:
			if err := emit.WriteFile(base+".pcap", doc); err != nil {
				return fmt.Errorf("write pcap: %w", err)
			}
		case FormatP4RT:
			schema := p4rt.NewSchema(prog)
			info, err := schema.MarshalInfo()
			if err != nil {
				return fmt.Errorf("marshal p4info: %w", err)
			} else if err := os.WriteFile(base+".p4info.txtpb", info, 0o644); err != nil {
				return err
			}
			if err := schema.WriteFile(base+".p4rt.txtpb", cmd.DeviceID, tests); err != nil {
				return fmt.Errorf("write p4runtime: %w", err)
			}
		default:
			return fmt.Errorf("unknown output format: %q", format)
		}
	}
	return nil
}
