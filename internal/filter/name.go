package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// OutputName derives the output capture file name for f. Equal filters give
// equal names; filters differing in any search field give different names.
// The timestamp and buffer are normalized first, so "10" and "10s" or two
// spellings of the same instant share a name.
func OutputName(f *Filter, format string) string {
	ext := ".pcap"
	if format == "pcapng" {
		ext = ".pcapng"
	}

	canonical, stamp := canonicalForm(f)
	sum := sha256.Sum256([]byte(canonical))
	return "pcap-" + stamp + "-" + hex.EncodeToString(sum[:8]) + ext
}

func canonicalForm(f *Filter) (string, string) {
	var b strings.Builder
	stamp := "invalid"

	instant, err := ParseTimestamp(f.TimestampText())
	if err == nil {
		stamp = instant.UTC().Format("20060102T150405Z")
		b.WriteString("ts=" + instant.UTC().Format(time.RFC3339Nano))
	} else {
		b.WriteString("ts_raw=" + f.TimestampText())
	}
	if buf, err := ParseBuffer(f.Buffer); err == nil {
		b.WriteString("|buffer=" + strconv.FormatInt(int64(buf), 10))
	} else {
		b.WriteString("|buffer_raw=" + f.Buffer)
	}

	for _, field := range []struct{ key, val string }{
		{"src_ip", netText(f.SrcIP)},
		{"dest_ip", netText(f.DestIP)},
		{"ip", netText(f.IP)},
		{"src_port", portText(f.SrcPort)},
		{"dest_port", portText(f.DestPort)},
		{"port", portText(f.Port)},
		{"protocol", protoText(f.Protocol)},
	} {
		b.WriteString("|" + field.key + "=" + field.val)
	}
	return b.String(), stamp
}

func netText(text string) string {
	n, err := parseNet("", text)
	if err != nil {
		return "raw:" + text
	}
	if n == nil {
		return ""
	}
	return n.String()
}

func protoText(text string) string {
	p, err := parseProtocol(text)
	if err != nil {
		return "raw:" + text
	}
	if p == nil {
		return ""
	}
	return strconv.Itoa(int(*p))
}
