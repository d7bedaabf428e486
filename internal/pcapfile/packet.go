// Package pcapfile reads and writes capture archives in pcap and pcapng
// wire format, optionally gzip compressed on input.
package pcapfile

import (
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Packet is a single record read from a capture file.
type Packet struct {
	Data     []byte
	Info     gopacket.CaptureInfo
	LinkType layers.LinkType

	decoded gopacket.Packet
}

// NewPacket wraps raw bytes with capture metadata.
func NewPacket(data []byte, ci gopacket.CaptureInfo, linkType layers.LinkType) *Packet {
	return &Packet{Data: data, Info: ci, LinkType: linkType}
}

// Timestamp is the capture time recorded in the file.
func (p *Packet) Timestamp() time.Time {
	return p.Info.Timestamp
}

// Decoded lazily decodes the packet starting at its link layer. The result
// is cached, so repeated predicate checks decode once.
func (p *Packet) Decoded() gopacket.Packet {
	if p.decoded == nil {
		p.decoded = gopacket.NewPacket(p.Data, p.LinkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	}
	return p.decoded
}
