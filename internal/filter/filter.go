// Package filter holds the retrieval query: its time window, the packet
// predicates, the evaluator that applies them, and the output file naming.
package filter

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
)

// ErrInvalidFilter means a packet predicate could not be parsed.
var ErrInvalidFilter = errors.New("invalid packet filter")

// Filter is the caller supplied query. Timestamp and Buffer select the time
// window; the remaining fields are packet predicates, empty meaning "any".
type Filter struct {
	Timestamp string `form:"timestamp" json:"timestamp,omitempty"`
	Buffer    string `form:"buffer" json:"buffer,omitempty"`

	SrcIP  string `form:"src_ip" json:"src_ip,omitempty"`
	DestIP string `form:"dest_ip" json:"dest_ip,omitempty"`
	// IP matches either endpoint
	IP string `form:"ip" json:"ip,omitempty"`

	SrcPort  *uint16 `form:"src_port" json:"src_port,omitempty"`
	DestPort *uint16 `form:"dest_port" json:"dest_port,omitempty"`
	// Port matches either endpoint
	Port *uint16 `form:"port" json:"port,omitempty"`

	// Protocol is a name (tcp, udp, icmp, icmpv6, sctp) or an IP protocol number
	Protocol string `form:"protocol" json:"protocol,omitempty"`

	prepared bool
	instant  time.Time
	buffer   time.Duration
	pred     *predicate
}

// Window is an inclusive time interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns [center-buffer, center+buffer].
func NewWindow(center time.Time, buffer time.Duration) Window {
	return Window{Start: center.Add(-buffer), End: center.Add(buffer)}
}

// Contains reports whether t lies inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Overlaps reports whether [lo, hi] intersects the window. A zero lo or hi
// is unbounded on that side.
func (w Window) Overlaps(lo, hi time.Time) bool {
	if !lo.IsZero() && lo.After(w.End) {
		return false
	}
	if !hi.IsZero() && hi.Before(w.Start) {
		return false
	}
	return true
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano))
}

// TimestampText returns the timestamp, or DefaultTimestamp when absent.
func (f *Filter) TimestampText() string {
	if strings.TrimSpace(f.Timestamp) == "" {
		return DefaultTimestamp
	}
	return f.Timestamp
}

// Prepare validates the filter and caches the parsed window and predicates.
// Errors wrap ErrInvalidTimestamp, ErrInvalidBuffer or ErrInvalidFilter, checked
// in that order.
func (f *Filter) Prepare() error {
	instant, err := ParseTimestamp(f.TimestampText())
	if err != nil {
		return err
	}
	buffer, err := ParseBuffer(f.Buffer)
	if err != nil {
		return err
	}
	pred, err := compile(f)
	if err != nil {
		return err
	}
	f.instant, f.buffer, f.pred, f.prepared = instant, buffer, pred, true
	return nil
}

// Prepared reports whether Prepare has succeeded.
func (f *Filter) Prepared() bool {
	return f.prepared
}

// Instant is the parsed timestamp. Only meaningful after Prepare.
func (f *Filter) Instant() time.Time {
	return f.instant
}

// BufferDuration is the parsed buffer. Only meaningful after Prepare.
func (f *Filter) BufferDuration() time.Duration {
	return f.buffer
}

// Window is the search interval. Only meaningful after Prepare.
func (f *Filter) Window() Window {
	return NewWindow(f.instant, f.buffer)
}

func (f *Filter) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("timestamp", f.Timestamp)
	add("buffer", f.Buffer)
	add("src_ip", f.SrcIP)
	add("dest_ip", f.DestIP)
	add("ip", f.IP)
	add("src_port", portText(f.SrcPort))
	add("dest_port", portText(f.DestPort))
	add("port", portText(f.Port))
	add("protocol", f.Protocol)
	return "{" + strings.Join(parts, " ") + "}"
}

func portText(p *uint16) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(int(*p))
}

// predicate is the compiled form of the packet fields of a Filter.
type predicate struct {
	srcNet, dstNet, anyNet *net.IPNet
	srcPort, dstPort       *uint16
	anyPort                *uint16
	proto                  *layers.IPProtocol
}

func (p *predicate) empty() bool {
	return p.srcNet == nil && p.dstNet == nil && p.anyNet == nil &&
		p.srcPort == nil && p.dstPort == nil && p.anyPort == nil && p.proto == nil
}

func compile(f *Filter) (*predicate, error) {
	p := &predicate{srcPort: f.SrcPort, dstPort: f.DestPort, anyPort: f.Port}
	var err error
	if p.srcNet, err = parseNet("src_ip", f.SrcIP); err != nil {
		return nil, err
	}
	if p.dstNet, err = parseNet("dest_ip", f.DestIP); err != nil {
		return nil, err
	}
	if p.anyNet, err = parseNet("ip", f.IP); err != nil {
		return nil, err
	}
	if p.proto, err = parseProtocol(f.Protocol); err != nil {
		return nil, err
	}
	return p, nil
}

// parseNet accepts a bare address or a CIDR prefix.
func parseNet(field, text string) (*net.IPNet, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if strings.Contains(text, "/") {
		_, n, err := net.ParseCIDR(text)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q is not an address or CIDR prefix", ErrInvalidFilter, field, text)
		}
		return n, nil
	}
	ip := net.ParseIP(text)
	if ip == nil {
		return nil, fmt.Errorf("%w: %s %q is not an address or CIDR prefix", ErrInvalidFilter, field, text)
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

var protocolNames = map[string]layers.IPProtocol{
	"tcp":    layers.IPProtocolTCP,
	"udp":    layers.IPProtocolUDP,
	"icmp":   layers.IPProtocolICMPv4,
	"icmpv4": layers.IPProtocolICMPv4,
	"icmpv6": layers.IPProtocolICMPv6,
	"sctp":   layers.IPProtocolSCTP,
	"gre":    layers.IPProtocolGRE,
	"esp":    layers.IPProtocolESP,
}

func parseProtocol(text string) (*layers.IPProtocol, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil, nil
	}
	if p, ok := protocolNames[text]; ok {
		return &p, nil
	}
	n, err := strconv.ParseUint(text, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrInvalidFilter, text)
	}
	p := layers.IPProtocol(n)
	return &p, nil
}
