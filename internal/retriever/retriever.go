// Package retriever runs a retrieval: it selects candidate captures across
// all storage directories in parallel, then scans them one by one and writes
// every matching packet to a single output capture.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"EnigmaNetz/Enigma-PCAP-Retriever/internal/filter"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/logger"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/metrics"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/pcapfile"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/search"
)

var (
	// ErrMissingParameters means no filter was supplied.
	ErrMissingParameters = errors.New("missing query parameters")
	// ErrOutputNotFound means the output capture was not where it should be
	// after the scan finished.
	ErrOutputNotFound = errors.New("output capture not found")
)

// CandidateSelector lists the files of one directory that may hold packets
// inside w.
type CandidateSelector interface {
	Directory(ctx context.Context, dir string, w filter.Window) ([]search.Candidate, error)
}

// Config holds what a Retriever needs from the service configuration.
type Config struct {
	Directories     []string
	OutputDirectory string
	// OutputFormat is pcapfile.FormatPcap or pcapfile.FormatPcapNG
	OutputFormat string
	// MaxParallelDirectories bounds Phase 1; 0 means unbounded
	MaxParallelDirectories int
}

// Result describes a finished output capture.
type Result struct {
	Name  string
	Path  string
	Size  int64
	Stats Stats
	// Shared is set when the capture was produced by a concurrent identical
	// request rather than by this call
	Shared bool
}

// Retriever is safe for concurrent use. Requests with the same output name
// share one scan; requests with different names run independently.
type Retriever struct {
	cfg       Config
	selector  CandidateSelector
	evaluator filter.Evaluator
	tracker   *metrics.Tracker
	log       *logger.Logger
	inflight  singleflight.Group
}

// New creates a Retriever. A nil evaluator means filter.FieldEvaluator; a nil
// tracker gets a private one.
func New(cfg Config, selector CandidateSelector, evaluator filter.Evaluator, tracker *metrics.Tracker, log *logger.Logger) *Retriever {
	if evaluator == nil {
		evaluator = filter.FieldEvaluator{}
	}
	if tracker == nil {
		tracker = metrics.NewTracker()
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = pcapfile.FormatPcap
	}
	return &Retriever{
		cfg:       cfg,
		selector:  selector,
		evaluator: evaluator,
		tracker:   tracker,
		log:       log.With("retriever"),
	}
}

// Retrieve runs one retrieval for f. Validation errors wrap
// ErrMissingParameters, filter.ErrInvalidTimestamp, filter.ErrInvalidBuffer or
// filter.ErrInvalidFilter and happen before any file is touched. A missing
// output after the scan is ErrOutputNotFound. Every call is recorded in the
// tracker exactly once.
func (r *Retriever) Retrieve(ctx context.Context, f *filter.Filter) (res *Result, err error) {
	start := time.Now()
	defer func() {
		r.tracker.ObserveRetrieval(time.Since(start), outcome(err))
	}()

	if f == nil {
		return nil, ErrMissingParameters
	}
	if err := f.Prepare(); err != nil {
		return nil, err
	}

	name := filter.OutputName(f, r.cfg.OutputFormat)
	// Identical requests share this scan, so it must outlive the caller
	// that started it.
	scanCtx := context.WithoutCancel(ctx)
	v, err, shared := r.inflight.Do(name, func() (interface{}, error) {
		return r.run(scanCtx, f, name)
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*Result)
	out.Shared = shared
	return &out, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrOutputNotFound):
		return metrics.OutcomeNotFound
	default:
		return metrics.OutcomeClient
	}
}

// run performs both phases for a prepared filter and returns the stat'ed
// output.
func (r *Retriever) run(ctx context.Context, f *filter.Filter, name string) (*Result, error) {
	var stats Stats
	defer func() { r.tracker.ObserveScan(stats.counts()) }()

	w := f.Window()
	r.log.Info("Retrieving %s window %s into %s", f, w, name)

	files := r.selectCandidates(ctx, w, &stats)

	out, err := pcapfile.Create(r.cfg.OutputDirectory, name, r.cfg.OutputFormat)
	if err != nil {
		r.log.Error("Failed to create output %s: %v", name, err)
		return nil, fmt.Errorf("%w: %v", ErrOutputNotFound, err)
	}
	for _, c := range files {
		stats.fold(r.scanFile(c, f, out))
	}
	if err := out.Close(); err != nil {
		r.log.Error("Failed to finish output %s: %v", name, err)
		return nil, fmt.Errorf("%w: %v", ErrOutputNotFound, err)
	}

	info, err := os.Stat(out.Path())
	if err != nil || !info.Mode().IsRegular() {
		r.log.Error("Output %s missing after scan: %v", out.Path(), err)
		return nil, fmt.Errorf("%w: %s", ErrOutputNotFound, out.Path())
	}

	r.log.Info("Wrote %s: %s", name, stats)
	return &Result{Name: name, Path: out.Path(), Size: info.Size(), Stats: stats}, nil
}

// selectCandidates is Phase 1. Every directory gets its own goroutine; a
// failing or panicking directory contributes nothing and never cancels the
// others. The result keeps the configured directory order.
func (r *Retriever) selectCandidates(ctx context.Context, w filter.Window, stats *Stats) []search.Candidate {
	dirs := r.cfg.Directories
	perDir := make([][]search.Candidate, len(dirs))
	failed := make([]bool, len(dirs))

	var g errgroup.Group
	if r.cfg.MaxParallelDirectories > 0 {
		g.SetLimit(r.cfg.MaxParallelDirectories)
	}
	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			files, err := r.selectDirectory(ctx, dir, w)
			if err != nil {
				r.log.Error("Candidate selection failed for %s: %v", dir, err)
				failed[i] = true
				return nil
			}
			perDir[i] = files
			return nil
		})
	}
	_ = g.Wait()

	var all []search.Candidate
	for i := range dirs {
		if failed[i] {
			stats.DirectoriesUnreadable++
		}
		all = append(all, perDir[i]...)
	}
	stats.Directories = len(dirs)
	stats.FilesSelected = len(all)
	return all
}

func (r *Retriever) selectDirectory(ctx context.Context, dir string, w filter.Window) (files []search.Candidate, err error) {
	defer func() {
		if p := recover(); p != nil {
			files, err = nil, fmt.Errorf("selector panic: %v", p)
		}
	}()
	return r.selector.Directory(ctx, dir, w)
}
