package pcapfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ErrWrite means a packet could not be appended to the output capture.
var ErrWrite = errors.New("capture write error")

// Output container formats.
const (
	FormatPcap   = "pcap"
	FormatPcapNG = "pcapng"
)

// Snaplen recorded in output headers. Large enough for any input record.
const outputSnaplen = 262144

// file is the part of *os.File a Writer needs.
type file interface {
	io.Writer
	Truncate(size int64) error
	Seek(offset int64, whence int) (int64, error)
}

// Writer accumulates packets into a temporary file next to the final path
// and renames it into place on Close, replacing any older capture with the
// same name. Every packet reaches the file as one write; a failed write is
// rolled back so the file always ends on a complete record, and later
// packets are still attempted. A Writer is not safe for concurrent use.
type Writer struct {
	final  string
	format string
	tmp    *os.File
	out    file
	rec    bytes.Buffer // blocks of the packet being written
	size   int64        // bytes of complete blocks in out
	failed error        // set when a rollback itself failed

	pw       *pcapgo.Writer
	ngw      *pcapgo.NgWriter
	link     layers.LinkType
	started  bool
	ngIfaces map[layers.LinkType]int
	// ngLocked refuses new pcapng interfaces once an interface block was
	// lost, since later interface ids would no longer match the file
	ngLocked bool

	count  int
	closed bool
}

// Create prepares a writer for dir/name. The directory is created if needed.
func Create(dir, name, format string) (*Writer, error) {
	if format == "" {
		format = FormatPcap
	}
	if format != FormatPcap && format != FormatPcapNG {
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return &Writer{
		final:    filepath.Join(dir, name),
		format:   format,
		tmp:      tmp,
		out:      tmp,
		ngIfaces: make(map[layers.LinkType]int),
	}, nil
}

// Path is where the capture will exist once Close succeeds.
func (w *Writer) Path() string {
	return w.final
}

// Count is the number of packets written so far.
func (w *Writer) Count() int {
	return w.count
}

// commit appends the pending blocks to the file in one write. A failed write
// is truncated away again.
func (w *Writer) commit() error {
	defer w.rec.Reset()
	n, err := w.out.Write(w.rec.Bytes())
	if err == nil {
		w.size += int64(n)
		return nil
	}
	if n > 0 {
		if terr := w.out.Truncate(w.size); terr != nil {
			w.failed = terr
			return fmt.Errorf("%v (rollback failed: %v)", err, terr)
		}
	}
	if _, serr := w.out.Seek(w.size, io.SeekStart); serr != nil {
		w.failed = serr
		return fmt.Errorf("%v (rollback failed: %v)", err, serr)
	}
	return err
}

// start writes the file header using the link type of the first packet. A
// header that could not be written is retried with the next packet.
func (w *Writer) start(link layers.LinkType) error {
	if w.format == FormatPcapNG {
		ngw, err := pcapgo.NewNgWriter(&w.rec, link)
		if err == nil {
			err = ngw.Flush()
		}
		if err == nil {
			err = w.commit()
		}
		if err != nil {
			w.rec.Reset()
			return err
		}
		w.ngw = ngw
		w.ngIfaces[link] = 0
	} else {
		pw := pcapgo.NewWriterNanos(&w.rec)
		err := pw.WriteFileHeader(outputSnaplen, link)
		if err == nil {
			err = w.commit()
		}
		if err != nil {
			w.rec.Reset()
			return err
		}
		w.pw = pw
	}
	w.started = true
	w.link = link
	return nil
}

// WritePacket appends one packet. Errors wrap ErrWrite and leave the writer
// usable for further packets.
func (w *Writer) WritePacket(p *Packet) error {
	if w.closed {
		return fmt.Errorf("%w: writer closed", ErrWrite)
	}
	if w.failed != nil {
		return fmt.Errorf("%w: output damaged: %v", ErrWrite, w.failed)
	}
	if !w.started {
		if err := w.start(p.LinkType); err != nil {
			return fmt.Errorf("%w: header: %v", ErrWrite, err)
		}
	}

	ci := p.Info
	ci.CaptureLength = len(p.Data)
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}

	if w.ngw != nil {
		return w.writeNg(p, ci)
	}

	if p.LinkType != w.link {
		return fmt.Errorf("%w: link type %s does not match output link type %s", ErrWrite, p.LinkType, w.link)
	}
	if err := w.pw.WritePacket(ci, p.Data); err != nil {
		w.rec.Reset()
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := w.commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	w.count++
	return nil
}

func (w *Writer) writeNg(p *Packet, ci gopacket.CaptureInfo) error {
	id, ok := w.ngIfaces[p.LinkType]
	if !ok {
		if w.ngLocked {
			return fmt.Errorf("%w: cannot add an interface for %s after a lost interface block", ErrWrite, p.LinkType)
		}
		var err error
		id, err = w.ngw.AddInterface(pcapgo.NgInterface{
			LinkType:   p.LinkType,
			SnapLength: outputSnaplen,
		})
		if err != nil {
			w.ngw.Flush()
			w.rec.Reset()
			w.ngLocked = true
			return fmt.Errorf("%w: adding interface for %s: %v", ErrWrite, p.LinkType, err)
		}
	}

	ci.InterfaceIndex = id
	err := w.ngw.WritePacket(ci, p.Data)
	if err == nil {
		err = w.ngw.Flush()
	}
	if err == nil {
		err = w.commit()
	}
	if err != nil {
		w.ngw.Flush()
		w.rec.Reset()
		if !ok {
			w.ngLocked = true
		}
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if !ok {
		w.ngIfaces[p.LinkType] = id
	}
	w.count++
	return nil
}

// Close finishes the capture and moves it to its final path. A writer that
// saw no packets still produces a valid header-only Ethernet capture. Packets
// that failed to write are simply missing from the result.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if !w.started {
		if err := w.start(layers.LinkTypeEthernet); err != nil {
			w.discard()
			return fmt.Errorf("failed to write capture header: %w", err)
		}
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("failed to close capture: %w", err)
	}
	if err := os.Rename(w.tmp.Name(), w.final); err != nil {
		os.Remove(w.tmp.Name())
		return fmt.Errorf("failed to move capture into place: %w", err)
	}
	return nil
}

// Abort drops the temporary file without touching the final path.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.discard()
}

func (w *Writer) discard() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}
