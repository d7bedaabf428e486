package retriever

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EnigmaNetz/Enigma-PCAP-Retriever/config"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/filter"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/logger"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/metrics"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/pcapfile"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/search"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/synth"
)

var t0 = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

type selectorFunc func(ctx context.Context, dir string, w filter.Window) ([]search.Candidate, error)

func (fn selectorFunc) Directory(ctx context.Context, dir string, w filter.Window) ([]search.Candidate, error) {
	return fn(ctx, dir, w)
}

type fixture struct {
	root    string
	outDir  string
	tracker *metrics.Tracker
	logs    *bytes.Buffer
	log     *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := &bytes.Buffer{}
	log, err := logger.NewLogger(logger.Config{LogLevel: logger.Debug, Output: logs})
	require.NoError(t, err)
	root := t.TempDir()
	return &fixture{
		root:    root,
		outDir:  filepath.Join(root, "out"),
		tracker: metrics.NewTracker(),
		logs:    logs,
		log:     log,
	}
}

func (fx *fixture) dir(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(fx.root, name)
	require.NoError(t, os.MkdirAll(path, 0755))
	return path
}

func (fx *fixture) retriever(t *testing.T, sel CandidateSelector, dirs ...string) *Retriever {
	t.Helper()
	if sel == nil {
		s, err := search.NewSelector(fx.log, config.SearchConfig{})
		require.NoError(t, err)
		sel = s
	}
	return New(Config{Directories: dirs, OutputDirectory: fx.outDir}, sel, nil, fx.tracker, fx.log)
}

func spec(src, dst string, port uint16, at time.Time) synth.PacketSpec {
	return synth.PacketSpec{Time: at, SrcIP: src, DstIP: dst, SrcPort: 40000, DstPort: port, Proto: "tcp", Payload: []byte(at.Format(time.RFC3339Nano))}
}

func writeCapture(t *testing.T, dir, name string, specs ...synth.PacketSpec) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, synth.WriteCapture(path, specs, synth.Options{}))
	last := specs[len(specs)-1].Time
	require.NoError(t, os.Chtimes(path, last, last))
	return path
}

func readAll(t *testing.T, path string) []*pcapfile.Packet {
	t.Helper()
	r, err := pcapfile.Open(path)
	require.NoError(t, err)
	defer r.Close()
	var pkts []*pcapfile.Packet
	for {
		p, err := r.Next()
		if err == io.EOF {
			return pkts
		}
		require.NoError(t, err)
		pkts = append(pkts, p)
	}
}

func timestamps(pkts []*pcapfile.Packet) []time.Time {
	var out []time.Time
	for _, p := range pkts {
		out = append(out, p.Timestamp().UTC())
	}
	return out
}

func TestRetrieveEndToEnd(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	writeCapture(t, a, "capture.pcap",
		spec("10.1.1.1", "10.2.2.2", 443, t0.Add(-5*time.Second)),
		spec("10.2.2.2", "10.1.1.1", 443, t0),
		spec("10.1.1.1", "10.2.2.2", 443, t0.Add(5*time.Second)),
	)

	r := fx.retriever(t, nil, a)
	f := &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "10", IP: "10.1.1.1"}
	res, err := r.Retrieve(context.Background(), f)
	require.NoError(t, err)

	want := filter.OutputName(&filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "10", IP: "10.1.1.1"}, pcapfile.FormatPcap)
	assert.Equal(t, want, res.Name)
	assert.Equal(t, filepath.Join(fx.outDir, want), res.Path)
	assert.False(t, res.Shared)

	pkts := readAll(t, res.Path)
	assert.Equal(t, []time.Time{t0.Add(-5 * time.Second), t0, t0.Add(5 * time.Second)}, timestamps(pkts))
	assert.Equal(t, 3, res.Stats.PacketsMatched)
	assert.Equal(t, 1, res.Stats.FilesScanned)

	info, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), res.Size)

	assert.Equal(t, uint64(1), fx.tracker.Retrievals())
	assert.NotZero(t, fx.tracker.AverageLatencyMillis())
}

func TestRetrieveAppliesPredicates(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	writeCapture(t, a, "capture.pcap",
		spec("10.1.1.1", "10.2.2.2", 53, t0.Add(-time.Second)),
		spec("10.1.1.1", "10.2.2.2", 443, t0),
		spec("10.3.3.3", "10.2.2.2", 443, t0.Add(time.Second)),
		spec("10.1.1.1", "10.2.2.2", 443, t0.Add(time.Hour)),
	)

	r := fx.retriever(t, nil, a)
	port := uint16(443)
	res, err := r.Retrieve(context.Background(), &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "5", SrcIP: "10.1.1.0/24", DestPort: &port})
	require.NoError(t, err)

	assert.Equal(t, []time.Time{t0}, timestamps(readAll(t, res.Path)))
	assert.Equal(t, 4, res.Stats.PacketsRead)
	assert.Equal(t, 1, res.Stats.PacketsMatched)
}

func TestRetrieveNoMatchesWritesEmptyCapture(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	writeCapture(t, a, "capture.pcap", spec("10.1.1.1", "10.2.2.2", 80, t0))

	r := fx.retriever(t, nil, a)
	res, err := r.Retrieve(context.Background(), &filter.Filter{Timestamp: t0.Format(time.RFC3339), Protocol: "udp"})
	require.NoError(t, err)

	assert.Empty(t, readAll(t, res.Path))
	assert.Equal(t, int64(24), res.Size, "header only")
	assert.Equal(t, 0, res.Stats.PacketsMatched)
}

func TestRetrieveNoFilesWritesEmptyCapture(t *testing.T) {
	fx := newFixture(t)
	r := fx.retriever(t, nil, fx.dir(t, "empty"))

	res, err := r.Retrieve(context.Background(), &filter.Filter{})
	require.NoError(t, err)
	assert.Empty(t, readAll(t, res.Path))
	assert.Equal(t, 0, res.Stats.FilesSelected)
}

func TestRetrieveUnreadableDirectory(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	b := fx.dir(t, "b")
	gone := filepath.Join(fx.root, "deleted")
	writeCapture(t, a, "a.pcap", spec("10.1.1.1", "10.2.2.2", 80, t0))
	writeCapture(t, b, "b.pcap", spec("10.1.1.1", "10.2.2.2", 80, t0.Add(time.Second)))

	r := fx.retriever(t, nil, a, gone, b)
	res, err := r.Retrieve(context.Background(), &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "2"})
	require.NoError(t, err)

	assert.Len(t, readAll(t, res.Path), 2)
	assert.Equal(t, 1, res.Stats.DirectoriesUnreadable)
	assert.Equal(t, 3, res.Stats.Directories)
	assert.Contains(t, fx.logs.String(), "ERROR: [retriever] Candidate selection failed for "+gone)
}

func TestRetrieveRecoversSelectorPanic(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	writeCapture(t, a, "a.pcap", spec("10.1.1.1", "10.2.2.2", 80, t0))

	inner, err := search.NewSelector(fx.log, config.SearchConfig{})
	require.NoError(t, err)
	sel := selectorFunc(func(ctx context.Context, dir string, w filter.Window) ([]search.Candidate, error) {
		if dir == "boom" {
			panic("selector exploded")
		}
		return inner.Directory(ctx, dir, w)
	})

	r := fx.retriever(t, sel, "boom", a)
	res, err := r.Retrieve(context.Background(), &filter.Filter{Timestamp: t0.Format(time.RFC3339)})
	require.NoError(t, err)
	assert.Len(t, readAll(t, res.Path), 1)
	assert.Equal(t, 1, res.Stats.DirectoriesUnreadable)
	assert.Contains(t, fx.logs.String(), "selector exploded")
}

func TestRetrieveKeepsDirectoryOrder(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	b := fx.dir(t, "b")
	// b's packets are older, but a is configured first
	writeCapture(t, a, "a.pcap", spec("10.1.1.1", "10.2.2.2", 80, t0.Add(time.Second)))
	writeCapture(t, b, "b.pcap", spec("10.1.1.1", "10.2.2.2", 80, t0.Add(-time.Second)))

	sel, err := search.NewSelector(fx.log, config.SearchConfig{})
	require.NoError(t, err)
	slow := selectorFunc(func(ctx context.Context, dir string, w filter.Window) ([]search.Candidate, error) {
		if dir == a {
			time.Sleep(20 * time.Millisecond)
		}
		return sel.Directory(ctx, dir, w)
	})

	r := fx.retriever(t, slow, a, b)
	res, err := r.Retrieve(context.Background(), &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "5"})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0.Add(time.Second), t0.Add(-time.Second)}, timestamps(readAll(t, res.Path)))
}

func TestRetrieveSkipsBadFiles(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	writeCapture(t, a, "1-good.pcap", spec("10.1.1.1", "10.2.2.2", 80, t0))

	garbage := filepath.Join(a, "2-garbage.pcap")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a capture file"), 0644))
	require.NoError(t, os.Chtimes(garbage, t0, t0))

	// A valid header and first record, then a record cut short
	truncated := writeCapture(t, a, "3-truncated.pcap",
		spec("10.1.1.1", "10.2.2.2", 80, t0.Add(time.Second)),
		spec("10.1.1.1", "10.2.2.2", 80, t0.Add(2*time.Second)),
	)
	data, err := os.ReadFile(truncated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-10], 0644))
	require.NoError(t, os.Chtimes(truncated, t0.Add(2*time.Second), t0.Add(2*time.Second)))

	r := fx.retriever(t, nil, a)
	res, err := r.Retrieve(context.Background(), &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "5"})
	require.NoError(t, err)

	assert.Equal(t, []time.Time{t0, t0.Add(time.Second)}, timestamps(readAll(t, res.Path)))
	assert.Equal(t, 1, res.Stats.FilesSkipped)
	assert.Equal(t, 1, res.Stats.FilesTruncated)
	assert.Equal(t, 2, res.Stats.FilesScanned)
	assert.Contains(t, fx.logs.String(), "Skipping "+garbage)
}

func TestRetrieveValidation(t *testing.T) {
	tests := []struct {
		name string
		f    *filter.Filter
		want error
	}{
		{"nil filter", nil, ErrMissingParameters},
		{"bad timestamp", &filter.Filter{Timestamp: "last tuesday"}, filter.ErrInvalidTimestamp},
		{"bad buffer", &filter.Filter{Buffer: "-10"}, filter.ErrInvalidBuffer},
		{"bad predicate", &filter.Filter{DestIP: "300.1.1.1"}, filter.ErrInvalidFilter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			var calls atomic.Int32
			sel := selectorFunc(func(ctx context.Context, dir string, w filter.Window) ([]search.Candidate, error) {
				calls.Add(1)
				return nil, nil
			})
			r := fx.retriever(t, sel, fx.dir(t, "a"))

			res, err := r.Retrieve(context.Background(), tt.f)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Zero(t, calls.Load(), "no directory listed")
			assert.NoDirExists(t, fx.outDir, "no output created")
			assert.Equal(t, uint64(1), fx.tracker.Retrievals())
		})
	}
}

func TestRetrieveOutputNotFound(t *testing.T) {
	fx := newFixture(t)
	// A regular file where the output directory should be
	require.NoError(t, os.WriteFile(fx.outDir, []byte("x"), 0644))

	r := fx.retriever(t, nil, fx.dir(t, "a"))
	_, err := r.Retrieve(context.Background(), &filter.Filter{})
	assert.True(t, errors.Is(err, ErrOutputNotFound), "got %v", err)
	assert.Equal(t, uint64(1), fx.tracker.Retrievals())
}

func TestRetrieveDeterministic(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	b := fx.dir(t, "b")
	_, err := synth.GenerateArchive(synth.ArchiveConfig{OutputDir: a, Start: t0.Add(-3 * time.Minute), Files: 6, FileSpan: time.Minute, PacketsPerFile: 60, Seed: 1})
	require.NoError(t, err)
	_, err = synth.GenerateArchive(synth.ArchiveConfig{OutputDir: b, Start: t0.Add(-150 * time.Second), Files: 4, FileSpan: time.Minute, PacketsPerFile: 30, Seed: 2, Options: synth.Options{Gzip: true}})
	require.NoError(t, err)

	r := fx.retriever(t, nil, a, b)
	f := func() *filter.Filter {
		return &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "90", Protocol: "tcp"}
	}

	first, err := r.Retrieve(context.Background(), f())
	require.NoError(t, err)
	firstPkts := readAll(t, first.Path)
	require.NotEmpty(t, firstPkts)

	second, err := r.Retrieve(context.Background(), f())
	require.NoError(t, err)
	secondPkts := readAll(t, second.Path)

	assert.Equal(t, first.Name, second.Name)
	require.Equal(t, len(firstPkts), len(secondPkts))
	for i := range firstPkts {
		assert.Equal(t, firstPkts[i].Data, secondPkts[i].Data)
		assert.True(t, firstPkts[i].Timestamp().Equal(secondPkts[i].Timestamp()))
	}
}

func TestRetrieveConcurrentIdenticalRequests(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	_, err := synth.GenerateArchive(synth.ArchiveConfig{OutputDir: a, Start: t0.Add(-time.Minute), Files: 2, FileSpan: time.Minute, PacketsPerFile: 200, Seed: 3})
	require.NoError(t, err)

	r := fx.retriever(t, nil, a)
	newFilter := func() *filter.Filter { return &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "60"} }

	want, err := r.Retrieve(context.Background(), newFilter())
	require.NoError(t, err)
	wantPkts := len(readAll(t, want.Path))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Retrieve(context.Background(), newFilter())
			if err == nil && res.Path != want.Path {
				err = errors.New("unexpected output path " + res.Path)
			}
			errs[i] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	// The final file is complete, never an interleaving of two writers
	assert.Len(t, readAll(t, want.Path), wantPkts)
	assert.Equal(t, uint64(9), fx.tracker.Retrievals())

	leftovers, err := filepath.Glob(filepath.Join(fx.outDir, ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRetrievePcapNGOutput(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	writeCapture(t, a, "a.pcap", spec("10.1.1.1", "10.2.2.2", 80, t0))
	require.NoError(t, synth.WriteCapture(filepath.Join(a, "b.pcapng"), []synth.PacketSpec{spec("10.1.1.1", "10.2.2.2", 80, t0.Add(time.Second))}, synth.Options{NG: true}))
	require.NoError(t, os.Chtimes(filepath.Join(a, "b.pcapng"), t0.Add(time.Second), t0.Add(time.Second)))

	sel, err := search.NewSelector(fx.log, config.SearchConfig{})
	require.NoError(t, err)
	r := New(Config{Directories: []string{a}, OutputDirectory: fx.outDir, OutputFormat: pcapfile.FormatPcapNG}, sel, nil, fx.tracker, fx.log)

	res, err := r.Retrieve(context.Background(), &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "5"})
	require.NoError(t, err)
	assert.Equal(t, ".pcapng", filepath.Ext(res.Name))

	in, err := pcapfile.Open(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "pcapng", in.Format())
	require.NoError(t, in.Close())
	assert.Len(t, readAll(t, res.Path), 2)
}

func TestStatsString(t *testing.T) {
	s := Stats{Directories: 2, DirectoriesUnreadable: 1, FilesSelected: 3, FilesScanned: 2, FilesSkipped: 1, PacketsRead: 10, PacketsMatched: 4}
	assert.Equal(t, "2/3 files scanned (1 skipped, 0 truncated) across 2 directories (1 unreadable), 4/10 packets matched, 0 write errors", s.String())
}

func TestRetrieveSharedScanSurvivesCanceledCaller(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	writeCapture(t, a, "capture.pcap",
		spec("10.1.1.1", "10.2.2.2", 443, t0.Add(-time.Second)),
		spec("10.2.2.2", "10.1.1.1", 443, t0),
	)

	inner, err := search.NewSelector(fx.log, config.SearchConfig{})
	require.NoError(t, err)
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	sel := selectorFunc(func(ctx context.Context, dir string, w filter.Window) ([]search.Candidate, error) {
		entered <- struct{}{}
		<-release
		return inner.Directory(ctx, dir, w)
	})
	r := fx.retriever(t, sel, a)
	newFilter := func() *filter.Filter { return &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "10"} }

	type retrieval struct {
		res *Result
		err error
	}
	first := make(chan retrieval, 1)
	second := make(chan retrieval, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		res, err := r.Retrieve(ctx, newFilter())
		first <- retrieval{res, err}
	}()
	<-entered
	go func() {
		res, err := r.Retrieve(context.Background(), newFilter())
		second <- retrieval{res, err}
	}()
	// give the second request time to join the scan in flight
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	for _, ch := range []chan retrieval{first, second} {
		got := <-ch
		require.NoError(t, got.err)
		assert.Equal(t, 2, got.res.Stats.PacketsMatched)
		assert.Zero(t, got.res.Stats.DirectoriesUnreadable)
		assert.Len(t, readAll(t, got.res.Path), 2)
	}
}

// writeRawCapture writes IP packets without a link layer header.
func writeRawCapture(t *testing.T, dir, name string, specs ...synth.PacketSpec) {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	pw := pcapgo.NewWriter(f)
	require.NoError(t, pw.WriteFileHeader(65535, layers.LinkTypeRaw))
	for _, s := range specs {
		frame, err := synth.BuildPacket(s)
		require.NoError(t, err)
		ip := frame[14:] // drop the Ethernet header
		require.NoError(t, pw.WritePacket(gopacket.CaptureInfo{Timestamp: s.Time, CaptureLength: len(ip), Length: len(ip)}, ip))
	}
	require.NoError(t, f.Close())
	last := specs[len(specs)-1].Time
	require.NoError(t, os.Chtimes(path, last, last))
}

func TestRetrieveCountsWriteErrorsAndContinues(t *testing.T) {
	fx := newFixture(t)
	a := fx.dir(t, "a")
	writeCapture(t, a, "a.pcap",
		spec("10.1.1.1", "10.2.2.2", 80, t0.Add(-2*time.Second)),
		spec("10.1.1.1", "10.2.2.2", 80, t0.Add(-time.Second)),
	)
	writeRawCapture(t, a, "b.pcap",
		spec("10.1.1.1", "10.2.2.2", 80, t0),
		spec("10.1.1.1", "10.2.2.2", 80, t0.Add(time.Second)),
	)
	writeCapture(t, a, "c.pcap", spec("10.1.1.1", "10.2.2.2", 80, t0.Add(2*time.Second)))

	r := fx.retriever(t, nil, a)
	res, err := r.Retrieve(context.Background(), &filter.Filter{Timestamp: t0.Format(time.RFC3339), Buffer: "10"})
	require.NoError(t, err)

	// the Ethernet output cannot take raw IP records
	assert.Equal(t, 3, res.Stats.FilesScanned)
	assert.Equal(t, 2, res.Stats.WriteErrors)
	assert.Equal(t, 3, res.Stats.PacketsMatched)
	assert.Equal(t, []time.Time{t0.Add(-2 * time.Second), t0.Add(-time.Second), t0.Add(2 * time.Second)}, timestamps(readAll(t, res.Path)))
	assert.Contains(t, fx.logs.String(), "Failed to write packet")
}
