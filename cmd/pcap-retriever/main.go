package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"EnigmaNetz/Enigma-PCAP-Retriever/config"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/api"
	collect_logs "EnigmaNetz/Enigma-PCAP-Retriever/internal/collect_logs"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/filter"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/logger"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/metadata"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/metrics"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/retriever"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/search"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/server"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/version"
)

func printHelp(w io.Writer) {
	fmt.Fprint(w, `PCAP Retriever - Forensic packet retrieval agent

Usage: pcap-retriever [-config path] [collect-logs [-config path] [-o file]] [--version|-v] [--help|-h]

Serves GET /pcap: given a timestamp, a buffer in seconds and optional packet
predicates, scans the capture archives in pcap_directory and returns a new
capture holding only the matching packets.

Options:
  -config path    Config file (default: /etc/pcap-retriever/config.json, then ./config.json)
  collect-logs    Package logs, config, storage inventory and diagnostics into a zip archive for support
  --version, -v   Print version and exit
  --help, -h      Show this help message and exit

Configuration:
  Settings come from the JSON config file, then .env, then PCAP_* environment
  variables. See config.example.json for all options.

Example:
  pcap-retriever -config /etc/pcap-retriever/config.json
  curl -o slice.pcap 'http://127.0.0.1:8000/pcap?timestamp=2024-05-06T07:08:09Z&buffer=30&ip=10.0.0.5&port=443'
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "pcap-retriever: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "--help", "-h":
			printHelp(stdout)
			return nil
		case "--version", "-v":
			fmt.Fprintln(stdout, version.Version)
			return nil
		case "collect-logs":
			return collectLogs(args[1:], stdout)
		}
	}

	fs := flag.NewFlagSet("pcap-retriever", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	logCfg, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Close()

	log.Info("Starting pcap-retriever %s with config %s", version.Version, path)
	log.Debug("Loaded config: %+v", cfg)

	dirs := cfg.PcapDirectories()
	for _, st := range metadata.InspectStorage(dirs) {
		if !st.Readable {
			log.Warn("Storage directory %s is not readable yet: %s", st.Path, st.Error)
		}
	}

	tracker := metrics.NewTracker()
	if cfg.Metrics.Enabled {
		tracker.Registry().MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	selector, err := search.NewSelector(log, cfg.Search)
	if err != nil {
		return err
	}
	ret := retriever.New(retriever.Config{
		Directories:            dirs,
		OutputDirectory:        cfg.OutputDirectory,
		OutputFormat:           cfg.OutputFormat,
		MaxParallelDirectories: cfg.Search.MaxParallelDirectories,
	}, selector, filter.FieldEvaluator{}, tracker, log)

	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = log.Writer()
	gin.DefaultErrorWriter = log.Writer()
	srv := server.New(ret, tracker, metadata.NewCollector(dirs, cfg.OutputDirectory, cfg.OutputFormat), server.Options{
		EnableCORS:     cfg.EnableCORS,
		RateLimit:      cfg.RateLimit,
		MetricsEnabled: cfg.Metrics.Enabled,
	}, log)

	var hs *api.HealthServer
	var hln net.Listener
	if cfg.Health.GRPCAddress != "" {
		hs, err = api.NewHealthServer(api.HealthConfig{
			Directories:   dirs,
			ProbeInterval: time.Duration(cfg.Health.ProbeIntervalSeconds) * time.Second,
			CertFile:      cfg.Server.Cert,
			KeyFile:       cfg.Server.Key,
		}, log)
		if err != nil {
			return err
		}
		hln, err = net.Listen("tcp", cfg.Health.GRPCAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Health.GRPCAddress, err)
		}
	}

	// Both sockets are bound before either server starts, so a failure here
	// leaves nothing running.
	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		if hln != nil {
			hln.Close()
		}
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
	}
	if !cfg.TLSEnabled() {
		log.Warn("TLS is not configured, serving plain HTTP")
	}

	g, gctx := errgroup.WithContext(ctx)
	if hs != nil {
		g.Go(func() error { return hs.Serve(gctx, hln) })
	}
	g.Go(func() error {
		return srv.Serve(gctx, ln, cfg.Server.Cert, cfg.Server.Key, tracker.MarkStarted)
	})

	err = g.Wait()
	log.Info("Stopped after serving %d requests", tracker.Requests())
	return err
}

func configSearchPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{`C:\ProgramData\PcapRetriever\config.json`, "config.json"}
	}
	return []string{"/etc/pcap-retriever/config.json", "config.json"}
}

// loadConfig loads an explicit path, or the first config found on the
// search path.
func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.LoadConfig(explicit)
		if err != nil {
			return nil, "", err
		}
		return cfg, explicit, nil
	}

	var errs []error
	for _, path := range configSearchPaths() {
		cfg, err := config.LoadConfig(path)
		if err == nil {
			return cfg, path, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", path, err))
	}
	return nil, "", fmt.Errorf("failed to load config: %w", errors.Join(errs...))
}

func collectLogs(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("collect-logs", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.json")
	zipName := fs.String("o", fmt.Sprintf("pcap-retriever-logs-%s.zip", time.Now().Format("20060102-150405")), "output zip file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// A broken config is often why a bundle is needed, so carry on without it
	opts := collect_logs.Options{ConfigPath: *configPath}
	if cfg, path, err := loadConfig(*configPath); err == nil {
		opts = collect_logs.Options{
			LogFile:         cfg.Logging.File,
			ConfigPath:      path,
			Directories:     cfg.PcapDirectories(),
			OutputDirectory: cfg.OutputDirectory,
		}
	} else {
		fmt.Fprintf(stdout, "Config not loaded, bundling diagnostics only: %v\n", err)
	}

	if err := collect_logs.CollectLogs(*zipName, opts); err != nil {
		return fmt.Errorf("failed to collect logs: %w", err)
	}
	fmt.Fprintf(stdout, "Created %s with logs, config, and diagnostics.\n", *zipName)
	return nil
}
