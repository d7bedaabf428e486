// Package search selects the capture files of one storage directory whose
// contents could fall inside a retrieval window.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"EnigmaNetz/Enigma-PCAP-Retriever/config"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/filter"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/logger"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/pcapfile"
)

// ErrDirectoryUnreadable means a storage directory could not be listed.
var ErrDirectoryUnreadable = errors.New("storage directory unreadable")

// Candidate is a file that may hold packets inside the window. Lower is the
// earliest time the file can contain, zero when unknown; Upper is its
// modification time.
type Candidate struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
	Lower   time.Time
	Upper   time.Time
}

// Bounds names how Lower was obtained, for logs.
func (c Candidate) Bounds() string {
	lo := "-inf"
	if !c.Lower.IsZero() {
		lo = c.Lower.Format(time.RFC3339)
	}
	return lo + ".." + c.Upper.Format(time.RFC3339)
}

type headerKey struct {
	path    string
	size    int64
	modTime int64
}

// Selector prunes storage directories by time. It is safe for concurrent use
// by the Phase 1 goroutines.
type Selector struct {
	log     *logger.Logger
	peek    bool
	headers *lru.Cache[headerKey, time.Time]
}

// NewSelector builds a Selector from the search settings.
func NewSelector(log *logger.Logger, cfg config.SearchConfig) (*Selector, error) {
	s := &Selector{log: log.With("search"), peek: !cfg.DisableHeaderPeek}
	if s.peek {
		size := cfg.HeaderCacheSize
		if size <= 0 {
			size = 4096
		}
		cache, err := lru.New[headerKey, time.Time](size)
		if err != nil {
			return nil, fmt.Errorf("failed to create header cache: %w", err)
		}
		s.headers = cache
	}
	return s, nil
}

// Directory lists dir (not recursively) and returns the regular, non-hidden
// files whose [Lower, Upper] span overlaps w, sorted by Lower then Name.
// A listing failure returns an error wrapping ErrDirectoryUnreadable.
func (s *Selector) Directory(ctx context.Context, dir string, w filter.Window) ([]Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDirectoryUnreadable, dir, err)
	}

	var candidates []Candidate
	pruned := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		// Stat instead of entry.Info so symlinked archives are followed
		info, err := os.Stat(path)
		if err != nil {
			s.log.Warn("Failed to stat %s: %v, skipping", path, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		c := Candidate{Path: path, Name: name, Size: info.Size(), ModTime: info.ModTime(), Upper: info.ModTime()}
		if c.Upper.Before(w.Start) {
			pruned++
			continue
		}
		// A file last written inside the window overlaps whatever its start,
		// so only files modified after the window need a lower bound.
		lo, ok := timeFromName(name)
		if ok && lo.After(c.Upper) {
			// Digits that decode past the last write are not a start time
			ok = false
		}
		if ok {
			c.Lower = lo
		} else if c.Upper.After(w.End) {
			c.Lower = s.firstPacket(c)
		}
		if !c.Lower.IsZero() && c.Lower.After(c.Upper) {
			c.Lower = c.Upper
		}
		if !w.Overlaps(c.Lower, c.Upper) {
			pruned++
			continue
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Lower.Equal(b.Lower) {
			return a.Lower.Before(b.Lower)
		}
		return a.Name < b.Name
	})

	s.log.Debug("%s: %d candidates, %d pruned for window %s", dir, len(candidates), pruned, w)
	return candidates, nil
}

// firstPacket reads the timestamp of the first record of c, or returns the
// zero time when header peeking is off or the file does not decode.
func (s *Selector) firstPacket(c Candidate) time.Time {
	if !s.peek {
		return time.Time{}
	}
	key := headerKey{path: c.Path, size: c.Size, modTime: c.ModTime.UnixNano()}
	if t, ok := s.headers.Get(key); ok {
		return t
	}
	t, err := pcapfile.FirstTimestamp(c.Path)
	if err != nil {
		s.log.Debug("No first packet time for %s: %v", c.Path, err)
		return time.Time{}
	}
	s.headers.Add(key, t)
	return t
}
