// Package synth builds synthetic capture archives: single crafted packets,
// whole capture files, and rolling directories of time-stamped files. It
// backs the synth-archive command and the test fixtures of other packages.
package synth

import (
	"compress/gzip"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PacketSpec describes one synthetic Ethernet frame.
type PacketSpec struct {
	Time    time.Time
	SrcIP   string
	DstIP   string
	SrcPort uint16
	DstPort uint16
	// Proto is "tcp", "udp" or "icmp"; empty means "tcp"
	Proto   string
	Payload []byte
}

// Options controls the container a capture is written in.
type Options struct {
	// NG writes pcapng instead of pcap
	NG bool
	// Gzip compresses the file
	Gzip bool
}

var (
	srcMAC = net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x53, 0x01}
	dstMAC = net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, 0x53, 0x02}
)

// BuildPacket serializes spec into an Ethernet frame.
func BuildPacket(spec PacketSpec) ([]byte, error) {
	src := net.ParseIP(spec.SrcIP)
	dst := net.ParseIP(spec.DstIP)
	if src == nil || dst == nil {
		return nil, fmt.Errorf("invalid addresses %q -> %q", spec.SrcIP, spec.DstIP)
	}
	v6 := src.To4() == nil || dst.To4() == nil

	proto := strings.ToLower(spec.Proto)
	if proto == "" {
		proto = "tcp"
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	var network gopacket.NetworkLayer
	var netLayer gopacket.SerializableLayer
	ipProto := map[string]layers.IPProtocol{
		"tcp": layers.IPProtocolTCP,
		"udp": layers.IPProtocolUDP,
	}[proto]
	if proto == "icmp" {
		ipProto = layers.IPProtocolICMPv4
		if v6 {
			ipProto = layers.IPProtocolICMPv6
		}
	}
	if ipProto == 0 {
		return nil, fmt.Errorf("unsupported protocol %q", spec.Proto)
	}

	if v6 {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: ipProto, SrcIP: src, DstIP: dst}
		network, netLayer = ip, ip
	} else {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: ipProto, SrcIP: src.To4(), DstIP: dst.To4()}
		network, netLayer = ip, ip
	}

	stack := []gopacket.SerializableLayer{eth, netLayer}
	switch proto {
	case "tcp":
		tcp := &layers.TCP{SrcPort: layers.TCPPort(spec.SrcPort), DstPort: layers.TCPPort(spec.DstPort), Seq: 1, ACK: true, PSH: true, Window: 65535}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		stack = append(stack, tcp)
	case "udp":
		udp := &layers.UDP{SrcPort: layers.UDPPort(spec.SrcPort), DstPort: layers.UDPPort(spec.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		stack = append(stack, udp)
	case "icmp":
		if v6 {
			icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
			if err := icmp.SetNetworkLayerForChecksum(network); err != nil {
				return nil, err
			}
			stack = append(stack, icmp)
		} else {
			stack = append(stack, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1})
		}
	}
	stack = append(stack, gopacket.Payload(spec.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("serialize packet: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteCapture writes specs, in order, to a new capture file at path.
func WriteCapture(path string, specs []PacketSpec, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var out io.Writer = f
	var gz *gzip.Writer
	if opts.Gzip {
		gz = gzip.NewWriter(f)
		out = gz
	}

	write, flush, err := newPacketWriter(out, opts.NG)
	if err != nil {
		return err
	}
	for i, spec := range specs {
		data, err := BuildPacket(spec)
		if err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
		ci := gopacket.CaptureInfo{Timestamp: spec.Time, CaptureLength: len(data), Length: len(data)}
		if err := write(ci, data); err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
	}
	if err := flush(); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return f.Close()
}

func newPacketWriter(w io.Writer, ng bool) (func(gopacket.CaptureInfo, []byte) error, func() error, error) {
	if ng {
		ngw, err := pcapgo.NewNgWriter(w, layers.LinkTypeEthernet)
		if err != nil {
			return nil, nil, err
		}
		return ngw.WritePacket, ngw.Flush, nil
	}
	pw := pcapgo.NewWriterNanos(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return nil, nil, err
	}
	return pw.WritePacket, func() error { return nil }, nil
}

// ArchiveConfig describes a rolling capture directory.
type ArchiveConfig struct {
	OutputDir string
	// Start is the capture time of the first packet in the first file
	Start time.Time
	// Files is how many rolling files to create
	Files int
	// FileSpan is the time covered by each file
	FileSpan time.Duration
	// PacketsPerFile is spread evenly over FileSpan
	PacketsPerFile int
	// Hosts are picked at random for source and destination
	Hosts []string
	// Seed makes the generated traffic reproducible
	Seed int64
	Options
}

// GenerateArchive writes cfg.Files captures named after their start time
// (capture-YYYYMMDDTHHMMSSZ.pcap) and sets each file's modification time to
// its last packet, the way a rolling capture daemon leaves them.
func GenerateArchive(cfg ArchiveConfig) ([]string, error) {
	if cfg.Files <= 0 {
		cfg.Files = 1
	}
	if cfg.FileSpan <= 0 {
		cfg.FileSpan = time.Minute
	}
	if cfg.PacketsPerFile <= 0 {
		cfg.PacketsPerFile = 10
	}
	if len(cfg.Hosts) < 2 {
		cfg.Hosts = []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "192.0.2.10"}
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	protos := []string{"tcp", "udp", "icmp"}
	step := cfg.FileSpan / time.Duration(cfg.PacketsPerFile)

	var paths []string
	for i := 0; i < cfg.Files; i++ {
		fileStart := cfg.Start.Add(time.Duration(i) * cfg.FileSpan).UTC()
		specs := make([]PacketSpec, 0, cfg.PacketsPerFile)
		for j := 0; j < cfg.PacketsPerFile; j++ {
			src := cfg.Hosts[rng.Intn(len(cfg.Hosts))]
			dst := cfg.Hosts[rng.Intn(len(cfg.Hosts))]
			specs = append(specs, PacketSpec{
				Time:    fileStart.Add(time.Duration(j) * step),
				SrcIP:   src,
				DstIP:   dst,
				SrcPort: uint16(1024 + rng.Intn(60000)),
				DstPort: []uint16{53, 80, 443}[rng.Intn(3)],
				Proto:   protos[rng.Intn(len(protos))],
				Payload: []byte(fmt.Sprintf("synthetic %d/%d", i, j)),
			})
		}

		ext := ".pcap"
		if cfg.NG {
			ext = ".pcapng"
		}
		if cfg.Gzip {
			ext += ".gz"
		}
		path := filepath.Join(cfg.OutputDir, "capture-"+fileStart.Format("20060102T150405Z")+ext)
		if err := WriteCapture(path, specs, cfg.Options); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", path, err)
		}
		last := specs[len(specs)-1].Time
		if err := os.Chtimes(path, last, last); err != nil {
			return paths, fmt.Errorf("failed to set times on %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
