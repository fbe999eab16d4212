// Package emit writes generated tests in file formats consumed by test
// harnesses and humans.
package emit

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/p4testgen"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"gopkg.in/yaml.v3"
)

// Document is the top-level YAML test file.
type Document struct {
	Program string  `yaml:"program"`
	Device  string  `yaml:"device"`
	Arch    string  `yaml:"arch"`
	Tests   []*Test `yaml:"tests"`
}

// Test is a generated test with a summary of its input packet.
type Test struct {
	p4testgen.TestSpec `yaml:",inline"`
	InputLayers        string `yaml:"input_layers,omitempty"`
}

// NewDocument returns a document for tests generated from program for target.
func NewDocument(program string, target p4testgen.Target, tests []*p4testgen.TestSpec) *Document {
	doc := &Document{Program: program, Device: target.Device(), Arch: target.Arch()}
	for _, t := range tests {
		doc.Tests = append(doc.Tests, &Test{TestSpec: *t, InputLayers: DescribePacket(t.InputPacket)})
	}
	return doc
}

// WriteYAML writes doc to w.
func WriteYAML(w io.Writer, doc *Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// ReadYAML decodes a test document from r.
func ReadYAML(r io.Reader) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Snaplen is the capture length written in pcap file headers.
const Snaplen = 65536

// WritePcap writes the input packet of each test as an Ethernet frame.
// Packets are timestamped one second apart starting at the Unix epoch so
// the output is reproducible.
func WritePcap(w io.Writer, tests []*p4testgen.TestSpec) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(Snaplen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}

	for i, t := range tests {
		ci := gopacket.CaptureInfo{
			Timestamp:      time.Unix(int64(i), 0).UTC(),
			CaptureLength:  len(t.InputPacket),
			Length:         len(t.InputPacket),
			InterfaceIndex: int(t.InputPort),
		}
		if err := pw.WritePacket(ci, t.InputPacket); err != nil {
			return fmt.Errorf("write packet %d: %w", t.ID, err)
		}
	}
	return nil
}

// ReadPcap returns the packets in a pcap file written by WritePcap.
func ReadPcap(r io.Reader) ([][]byte, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("new pcap reader: %w", err)
	}

	var a [][]byte
	for {
		data, _, err := pr.ReadPacketData()
		if err == io.EOF {
			return a, nil
		} else if err != nil {
			return nil, fmt.Errorf("read packet: %w", err)
		}
		a = append(a, data)
	}
}

// DescribePacket decodes data as an Ethernet frame and returns its layer
// types separated by slashes. Returns a blank string for empty packets.
func DescribePacket(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	var names []string
	for _, l := range pkt.Layers() {
		names = append(names, l.LayerType().String())
	}
	return strings.Join(names, "/")
}

// WriteFile writes tests to filename, choosing the format by extension:
// ".pcap" writes input packets, anything else writes a YAML document.
func WriteFile(filename string, doc *Document) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	if strings.HasSuffix(filename, ".pcap") {
		tests := make([]*p4testgen.TestSpec, len(doc.Tests))
		for i := range doc.Tests {
			tests[i] = &doc.Tests[i].TestSpec
		}
		err = WritePcap(f, tests)
	} else {
		err = WriteYAML(f, doc)
	}
	if err != nil {
		return err
	}
	return f.Close()
}
