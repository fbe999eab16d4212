package emit_test

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/andreyvit/diff"
	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/emit"
	"github.com/benbjohnson/p4testgen/ir"
	"github.com/benbjohnson/p4testgen/targets"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// NewTests returns a forwarded and a dropped test.
func NewTests() []*p4testgen.TestSpec {
	return []*p4testgen.TestSpec{
		{
			ID:          0,
			Status:      p4testgen.ExecutionStatusFinished,
			InputPort:   1,
			InputPacket: p4testgen.HexBytes{0x2a, 0x00},
			Output: &p4testgen.ExpectedOutput{
				Port:   2,
				Packet: p4testgen.HexBytes{0x2a, 0x07},
				Mask:   p4testgen.HexBytes{0xff, 0xff},
			},
			ControlPlane: &p4testgen.ControlPlane{
				Tables: []*p4testgen.TableEntries{{
					Table: "t",
					Entries: []*p4testgen.TableEntry{{
						Matches: []*p4testgen.KeyMatch{{Field: "hdr_h_a", Kind: ir.MatchExact, Width: 8, Value: 0x2a}},
						Action:  &p4testgen.ConcreteAction{Name: "a2", Args: []*p4testgen.ConcreteArg{{Param: "x", Width: 8, Value: 7}}},
					}},
				}},
			},
			Covered: []int{1, 2, 3},
		},
		{
			ID:          1,
			Status:      p4testgen.ExecutionStatusDropped,
			Reason:      "packet too short",
			InputPacket: p4testgen.HexBytes{0x01},
			Covered:     []int{1},
		},
	}
}

func TestWriteYAML(t *testing.T) {
	tests := NewTests()
	doc := emit.NewDocument("v1model_table", targets.NewBMv2(), tests)
	if got, want := doc.Device, "bmv2"; got != want {
		t.Fatalf("unexpected device: %s", got)
	} else if got, want := doc.Arch, "v1model"; got != want {
		t.Fatalf("unexpected arch: %s", got)
	}

	var buf bytes.Buffer
	if err := emit.WriteYAML(&buf, doc); err != nil {
		t.Fatal(err)
	}

	t.Run("Fields", func(t *testing.T) {
		s := buf.String()
		for _, want := range []string{"program: v1model_table", "status: dropped", "reason: packet too short", "table: t", "name: a2"} {
			if !strings.Contains(s, want) {
				t.Fatalf("missing %q in:\n%s", want, s)
			}
		}
	})

	t.Run("ReadYAML", func(t *testing.T) {
		other, err := emit.ReadYAML(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatal(err)
		}
		if !cmp.Equal(other, doc) {
			t.Fatalf("unexpected document:\n%s", diff.LineDiff(spew.Sdump(doc), spew.Sdump(other)))
		}
	})

	t.Run("ErrUnknownField", func(t *testing.T) {
		if _, err := emit.ReadYAML(strings.NewReader("program: x\nbogus: 1\n")); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestWritePcap(t *testing.T) {
	tests := NewTests()

	var buf bytes.Buffer
	if err := emit.WritePcap(&buf, tests); err != nil {
		t.Fatal(err)
	}

	packets, err := emit.ReadPcap(&buf)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]byte{{0x2a, 0x00}, {0x01}}
	if diff := cmp.Diff(want, packets); diff != "" {
		t.Fatal(diff)
	}
}

func TestDescribePacket(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		if got := emit.DescribePacket(nil); got != "" {
			t.Fatalf("unexpected description: %q", got)
		}
	})

	t.Run("IPv4", func(t *testing.T) {
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
			&layers.Ethernet{
				SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 1},
				DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 2},
				EthernetType: layers.EthernetTypeIPv4,
			},
			&layers.IPv4{
				Version:  4,
				TTL:      64,
				Protocol: layers.IPProtocolNoNextHeader,
				SrcIP:    net.IP{10, 0, 0, 1},
				DstIP:    net.IP{10, 0, 0, 2},
			},
		); err != nil {
			t.Fatal(err)
		}

		if got, want := emit.DescribePacket(buf.Bytes()), "Ethernet/IPv4"; got != want {
			t.Fatalf("unexpected description: %q", got)
		}
	})
}

func TestCoverageGraph(t *testing.T) {
	prog, err := ir.LoadFile("../testdata/v1model_table.yaml")
	if err != nil {
		t.Fatal(err)
	}

	cov := p4testgen.NewCoverage(prog)
	cov.Add(prog.Parser("MyParser").States[0].Statements[0].ID())

	s := emit.CoverageGraph(prog, cov).String()
	for _, want := range []string{"MyParser", "MyIngress", "MyDeparser", "t.apply()", "a2", emit.ColorCovered, emit.ColorUncovered} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %q in:\n%s", want, s)
		}
	}

	t.Run("NoCoverage", func(t *testing.T) {
		if s := emit.CoverageGraph(prog, nil).String(); strings.Contains(s, "fillcolor") {
			t.Fatalf("unexpected fill:\n%s", s)
		}
	})
}
