// Package server exposes the retriever over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"EnigmaNetz/Enigma-PCAP-Retriever/config"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/filter"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/logger"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/metadata"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/metrics"
	"EnigmaNetz/Enigma-PCAP-Retriever/internal/retriever"
)

// WelcomeMessage is the body of GET /.
const WelcomeMessage = "Welcome to the PCAP retrieval agent."

const shutdownTimeout = 30 * time.Second

// Retriever runs one retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, f *filter.Filter) (*retriever.Result, error)
}

// InfoSource supplies the /info payload.
type InfoSource interface {
	Collect() metadata.HostInfo
}

// Options toggles optional routes and middleware.
type Options struct {
	EnableCORS     bool
	RateLimit      config.RateLimitConfig
	MetricsEnabled bool
}

// Server is the HTTP front of the agent.
type Server struct {
	engine    *gin.Engine
	retriever Retriever
	tracker   *metrics.Tracker
	info      InfoSource
	log       *logger.Logger
}

// New builds the router. info may be nil, which disables /info.
func New(r Retriever, tracker *metrics.Tracker, info InfoSource, opts Options, log *logger.Logger) *Server {
	s := &Server{
		engine:    gin.New(),
		retriever: r,
		tracker:   tracker,
		info:      info,
		log:       log.With("http"),
	}

	s.engine.Use(gin.Recovery(), requestID(), accessLog(s.log))
	if opts.EnableCORS {
		s.engine.Use(cors())
	}

	s.engine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, WelcomeMessage)
	})
	s.engine.GET("/pcap", countRequests(tracker), rateLimit(opts.RateLimit), s.handlePcap)
	s.engine.GET("/status", func(c *gin.Context) {
		c.String(http.StatusOK, tracker.Status())
	})
	if info != nil {
		s.engine.GET("/info", func(c *gin.Context) {
			c.JSON(http.StatusOK, info.Collect())
		})
	}
	if opts.MetricsEnabled {
		s.engine.GET("/metrics", gin.WrapH(tracker.Handler()))
	}
	return s
}

// Handler returns the router, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// handlePcap binds the query into a Filter and streams back the capture.
// A query that cannot be bound at all is treated as a missing filter.
func (s *Server) handlePcap(c *gin.Context) {
	var f filter.Filter
	query := &f
	if err := c.ShouldBindQuery(&f); err != nil {
		s.log.Warn("Unparseable query %q: %v", c.Request.URL.RawQuery, err)
		query = nil
	}

	res, err := s.retriever.Retrieve(c.Request.Context(), query)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("Retrieval failed: %v", err)
		}
		c.String(status, err.Error())
		return
	}

	c.Header("Content-Type", contentType(res.Name))
	c.Header("X-Packets-Matched", strconv.Itoa(res.Stats.PacketsMatched))
	c.FileAttachment(res.Path, res.Name)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, retriever.ErrMissingParameters),
		errors.Is(err, filter.ErrInvalidTimestamp),
		errors.Is(err, filter.ErrInvalidBuffer),
		errors.Is(err, filter.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, retriever.ErrOutputNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func contentType(name string) string {
	if filepath.Ext(name) == ".pcapng" {
		return "application/x-pcapng"
	}
	return "application/vnd.tcpdump.pcap"
}

// Serve runs the server on ln until ctx is canceled, then shuts down
// gracefully. TLS is used when both certFile and keyFile are set. ready, if
// not nil, is called once the listener is accepting.
func (s *Server) Serve(ctx context.Context, ln net.Listener, certFile, keyFile string, ready func()) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ServeTLS(ln, certFile, keyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	if ready != nil {
		ready()
	}
	s.log.Info("Listening on %s (tls=%v)", ln.Addr(), certFile != "" && keyFile != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down, waiting up to %s for in-flight requests", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
