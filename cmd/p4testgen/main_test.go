package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benbjohnson/p4testgen"
)

// Execute runs the CLI with args and returns its standard output.
func Execute(tb testing.TB, args ...string) string {
	tb.Helper()
	var buf bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&buf)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		tb.Fatal(err)
	}
	return buf.String()
}

func TestGenerateCommand(t *testing.T) {
	dir := t.TempDir()
	out := Execute(t, "generate", "-o", dir, "--search", "dfs,coverage", "../../testdata/v1model_table.yaml")
	if !strings.HasPrefix(out, "v1model_table: 8 tests, 7/7 statements covered") {
		t.Fatalf("unexpected output: %s", out)
	}

	for _, name := range []string{"v1model_table.yaml", "v1model_table.pcap", "v1model_table.p4info.txtpb", "v1model_table.p4rt.txtpb"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatal(err)
		}
	}

	// Every statement is covered so nothing is left uncolored.
	t.Run("Graph", func(t *testing.T) {
		out := Execute(t, "graph", "--tests", filepath.Join(dir, "v1model_table.yaml"), "../../testdata/v1model_table.yaml")
		if !strings.Contains(out, "palegreen") {
			t.Fatalf("expected covered nodes: %s", out)
		} else if strings.Contains(out, "lightpink") {
			t.Fatalf("unexpected uncovered nodes: %s", out)
		}
	})
}

func TestGenerateCommand_ErrTargetNotFound(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"generate", "--device", "tofino", "-o", t.TempDir(), "../../testdata/v1model_table.yaml"})
	if err := cmd.Execute(); !errors.Is(err, p4testgen.ErrTargetNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGraphCommand(t *testing.T) {
	out := Execute(t, "graph", "../../testdata/v1model_select.yaml")
	for _, want := range []string{"digraph", "MyParser", "parse_ip", "0x800", "0xdead"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
