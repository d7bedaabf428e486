package retriever

import (
	"fmt"
	"io"

	"EnigmaNetz/Enigma-PCAP-Retriever/internal/filter"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/metrics"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/pcapfile"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/search"
)

// Stats counts what one retrieval did.
type Stats struct {
	Directories           int
	DirectoriesUnreadable int
	FilesSelected         int
	FilesScanned          int
	FilesSkipped          int
	// FilesTruncated stopped early on a bad record; their earlier packets count
	FilesTruncated int
	PacketsRead    int
	PacketsMatched int
	WriteErrors    int
}

func (s Stats) String() string {
	return fmt.Sprintf("%d/%d files scanned (%d skipped, %d truncated) across %d directories (%d unreadable), %d/%d packets matched, %d write errors",
		s.FilesScanned, s.FilesSelected, s.FilesSkipped, s.FilesTruncated,
		s.Directories, s.DirectoriesUnreadable,
		s.PacketsMatched, s.PacketsRead, s.WriteErrors)
}

func (s Stats) counts() metrics.ScanCounts {
	return metrics.ScanCounts{
		FilesScanned:          s.FilesScanned,
		FilesSkipped:          s.FilesSkipped,
		PacketsMatched:        s.PacketsMatched,
		DirectoriesUnreadable: s.DirectoriesUnreadable,
	}
}

// fileResult is the outcome of scanning one candidate. openErr is fatal to
// the file before any packet was read; decodeErr ended the file early. Neither
// is fatal to the request.
type fileResult struct {
	path      string
	read      int
	matched   int
	writeErrs int
	openErr   error
	decodeErr error
}

func (s *Stats) fold(fr fileResult) {
	if fr.openErr != nil {
		s.FilesSkipped++
		return
	}
	s.FilesScanned++
	if fr.decodeErr != nil {
		s.FilesTruncated++
	}
	s.PacketsRead += fr.read
	s.PacketsMatched += fr.matched
	s.WriteErrors += fr.writeErrs
}

// scanFile is one step of Phase 2: decode c packet by packet and append every
// match to out, in file order.
func (r *Retriever) scanFile(c search.Candidate, f *filter.Filter, out *pcapfile.Writer) fileResult {
	fr := fileResult{path: c.Path}

	in, err := pcapfile.Open(c.Path)
	if err != nil {
		r.log.Warn("Skipping %s: %v", c.Path, err)
		fr.openErr = err
		return fr
	}
	defer in.Close()

	for {
		pkt, err := in.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.log.Warn("Stopped reading %s after %d packets: %v", c.Path, fr.read, err)
			fr.decodeErr = err
			break
		}
		fr.read++
		if !r.evaluator.Evaluate(pkt, f) {
			continue
		}
		if err := out.WritePacket(pkt); err != nil {
			fr.writeErrs++
			r.log.Error("Failed to write packet %d of %s: %v", fr.read, c.Path, err)
			continue
		}
		fr.matched++
	}

	r.log.Debug("Scanned %s (%s, %s): %d/%d packets matched", c.Path, in.Format(), c.Bounds(), fr.matched, fr.read)
	return fr
}
