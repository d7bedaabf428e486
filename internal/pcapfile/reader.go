package pcapfile

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	// ErrFileUnreadable means the capture file could not be opened.
	ErrFileUnreadable = errors.New("capture file unreadable")
	// ErrDecode means the file header or a packet record is not valid capture data.
	ErrDecode = errors.New("capture decode error")
)

const (
	magicGzip1 = 0x1f
	magicGzip2 = 0x8b
)

// pcapng files start with a Section Header Block
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Reader yields packets from one capture file.
type Reader struct {
	file   *os.File
	gz     *gzip.Reader
	src    packetSource
	ng     *pcapgo.NgReader
	link   layers.LinkType
	format string
}

// Open opens path and decodes its file header. gzip compressed files are
// unwrapped transparently; pcap and pcapng are detected by magic number.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileUnreadable, err)
	}
	r, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func newReader(f *os.File) (*Reader, error) {
	r := &Reader{file: f}
	var in io.Reader = bufio.NewReader(f)

	magic, err := in.(*bufio.Reader).Peek(2)
	if err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrDecode, err)
	}
	compressed := magic[0] == magicGzip1 && magic[1] == magicGzip2
	if compressed {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip header: %v", ErrDecode, err)
		}
		r.gz = gz
		in = bufio.NewReader(gz)
	}

	br := in.(*bufio.Reader)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrDecode, err)
	}

	if string(head) == string(ngMagic) {
		opts := pcapgo.DefaultNgReaderOptions
		opts.WantMixedLinkType = true
		ng, err := pcapgo.NewNgReader(br, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: pcapng header: %v", ErrDecode, err)
		}
		r.src, r.ng, r.format = ng, ng, "pcapng"
		r.link = layers.LinkTypeEthernet
		if intf, err := ng.Interface(0); err == nil {
			r.link = intf.LinkType
		}
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: pcap header: %v", ErrDecode, err)
		}
		r.src, r.link, r.format = pr, pr.LinkType(), "pcap"
	}
	if compressed {
		r.format += ".gz"
	}
	return r, nil
}

// Format reports the detected container, e.g. "pcap" or "pcapng.gz".
func (r *Reader) Format() string {
	return r.format
}

// LinkType is the link type of the file, or of the first interface for pcapng.
func (r *Reader) LinkType() layers.LinkType {
	return r.link
}

// Next returns the next packet. It returns io.EOF at the end of the file and
// an error wrapping ErrDecode for a malformed or truncated record.
func (r *Reader) Next() (*Packet, error) {
	data, ci, err := r.src.ReadPacketData()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	link := r.link
	if r.ng != nil {
		if intf, ierr := r.ng.Interface(ci.InterfaceIndex); ierr == nil {
			link = intf.LinkType
		}
	}
	return NewPacket(data, ci, link), nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.file.Close()
}

// FirstTimestamp returns the capture time of the first packet in path.
func FirstTimestamp(path string) (time.Time, error) {
	r, err := Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer r.Close()
	pkt, err := r.Next()
	if err != nil {
		return time.Time{}, err
	}
	return pkt.Timestamp(), nil
}
