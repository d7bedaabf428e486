package filter

import (
	"net"

	"github.com/google/gopacket/layers"

	"EnigmaNetz/Enigma-PCAP-Retriever/internal/pcapfile"
)

// Evaluator decides whether a decoded packet belongs in the output for f.
// Implementations must be pure: the same packet and filter always give the
// same answer.
type Evaluator interface {
	Evaluate(pkt *pcapfile.Packet, f *Filter) bool
}

// EvaluatorFunc adapts a plain function to Evaluator.
type EvaluatorFunc func(pkt *pcapfile.Packet, f *Filter) bool

// Evaluate calls fn.
func (fn EvaluatorFunc) Evaluate(pkt *pcapfile.Packet, f *Filter) bool {
	return fn(pkt, f)
}

// FieldEvaluator matches the packet capture time against the filter window
// and the address, port and protocol predicates against the decoded layers.
type FieldEvaluator struct{}

// Evaluate implements Evaluator. An unprepared filter is prepared on the fly;
// a filter that fails to prepare matches nothing.
func (FieldEvaluator) Evaluate(pkt *pcapfile.Packet, f *Filter) bool {
	if !f.prepared {
		if err := f.Prepare(); err != nil {
			return false
		}
	}
	if !f.Window().Contains(pkt.Timestamp()) {
		return false
	}
	p := f.pred
	if p.empty() {
		return true
	}

	fields := extract(pkt)
	if p.srcNet != nil && !contains(p.srcNet, fields.src) {
		return false
	}
	if p.dstNet != nil && !contains(p.dstNet, fields.dst) {
		return false
	}
	if p.anyNet != nil && !contains(p.anyNet, fields.src) && !contains(p.anyNet, fields.dst) {
		return false
	}
	if p.proto != nil && (!fields.hasProto || fields.proto != *p.proto) {
		return false
	}
	if p.srcPort != nil && (!fields.hasPorts || fields.srcPort != *p.srcPort) {
		return false
	}
	if p.dstPort != nil && (!fields.hasPorts || fields.dstPort != *p.dstPort) {
		return false
	}
	if p.anyPort != nil && (!fields.hasPorts || (fields.srcPort != *p.anyPort && fields.dstPort != *p.anyPort)) {
		return false
	}
	return true
}

type packetFields struct {
	src, dst         net.IP
	proto            layers.IPProtocol
	hasProto         bool
	srcPort, dstPort uint16
	hasPorts         bool
}

func extract(pkt *pcapfile.Packet) packetFields {
	var pf packetFields
	d := pkt.Decoded()

	if ip4, ok := d.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		pf.src, pf.dst = ip4.SrcIP, ip4.DstIP
		pf.proto, pf.hasProto = ip4.Protocol, true
	} else if ip6, ok := d.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		pf.src, pf.dst = ip6.SrcIP, ip6.DstIP
		pf.proto, pf.hasProto = ip6.NextHeader, true
	}

	// The transport layer wins over the IP header so IPv6 extension headers
	// don't hide the real protocol.
	switch t := d.TransportLayer().(type) {
	case *layers.TCP:
		pf.srcPort, pf.dstPort, pf.hasPorts = uint16(t.SrcPort), uint16(t.DstPort), true
		pf.proto, pf.hasProto = layers.IPProtocolTCP, true
	case *layers.UDP:
		pf.srcPort, pf.dstPort, pf.hasPorts = uint16(t.SrcPort), uint16(t.DstPort), true
		pf.proto, pf.hasProto = layers.IPProtocolUDP, true
	}
	if sctp, ok := d.Layer(layers.LayerTypeSCTP).(*layers.SCTP); ok {
		pf.srcPort, pf.dstPort, pf.hasPorts = uint16(sctp.SrcPort), uint16(sctp.DstPort), true
		pf.proto, pf.hasProto = layers.IPProtocolSCTP, true
	}
	if d.Layer(layers.LayerTypeICMPv6) != nil {
		pf.proto, pf.hasProto = layers.IPProtocolICMPv6, true
	}
	return pf
}

func contains(n *net.IPNet, ip net.IP) bool {
	return ip != nil && n.Contains(ip)
}
