// Command synth-archive fills a directory with rolling synthetic captures so
// the retriever can be exercised without a live capture daemon.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"EnigmaNetz/Enigma-PCAP-Retriever/internal/synth"
)

func main() {
	dir := flag.String("dir", "./captures", "directory to write captures into")
	start := flag.String("start", "", "RFC3339 time of the first packet (default: one hour ago)")
	files := flag.Int("files", 12, "number of rolling capture files")
	span := flag.Duration("span", 5*time.Minute, "time covered by each file")
	packets := flag.Int("packets", 100, "packets per file")
	hosts := flag.String("hosts", "", "comma-separated IPv4 hosts to draw traffic from")
	seed := flag.Int64("seed", 1, "random seed")
	ng := flag.Bool("ng", false, "write pcapng instead of pcap")
	gz := flag.Bool("gzip", false, "gzip each capture")
	flag.Parse()

	first := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	if *start != "" {
		t, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			log.Fatalf("invalid -start: %v", err)
		}
		first = t
	}

	cfg := synth.ArchiveConfig{
		OutputDir:      *dir,
		Start:          first,
		Files:          *files,
		FileSpan:       *span,
		PacketsPerFile: *packets,
		Seed:           *seed,
		Options:        synth.Options{NG: *ng, Gzip: *gz},
	}
	if *hosts != "" {
		cfg.Hosts = strings.Split(*hosts, ",")
	}

	paths, err := synth.GenerateArchive(cfg)
	if err != nil {
		log.Fatalf("synthetic archive failed: %v", err)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
}
