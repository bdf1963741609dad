// Package session provides the outbound HTTP session for feature service
// harvesting: an immutable configuration value, a retrying GET executor,
// and outcome classification for request lineage logging.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/GeoCodable/grale/pkg/logging"
	"github.com/GeoCodable/grale/pkg/ratelimit"
)

// Prometheus metrics for session operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grale_requests_total",
		Help: "Total outbound requests by outcome class",
	}, []string{"class"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grale_request_duration_seconds",
		Help:    "Outbound request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Config holds the session configuration. A Config is a value: to change a
// setting, build a new Session from a new Config rather than mutating a
// session shared across concurrent harvests.
type Config struct {
	// UserAgent sent with every request.
	UserAgent string

	// Timeout bounds a single request attempt, connect through read.
	Timeout time.Duration

	// Retry behavior for transport errors and 5xx responses.
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// TLS options. CertFile/KeyFile enable PEM client-certificate
	// authentication; CAFile adds a private CA bundle.
	InsecureSkipVerify bool
	CertFile           string
	KeyFile            string
	CAFile             string

	// MaxConnsPerHost caps the connection pool per remote host.
	MaxConnsPerHost int

	// RateLimit paces requests per host (disabled by default).
	RateLimit ratelimit.Config
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent:         "grale/0.1.0",
		Timeout:           180 * time.Second,
		MaxRetries:        5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		MaxConnsPerHost:   10,
		RateLimit:         ratelimit.DefaultConfig(),
	}
}

// Session executes GET requests against a remote feature service.
type Session struct {
	client  *http.Client
	config  Config
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

// Response is the outcome of one executed request.
type Response struct {
	StatusCode int
	Body       []byte

	// Elapsed is the wall time of the final attempt, measured once.
	Elapsed time.Duration
}

// New creates a Session from cfg.
func New(cfg Config) (*Session, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %v)", cfg.Timeout)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig: tlsCfg,
		MaxConnsPerHost: cfg.MaxConnsPerHost,
		Proxy:           http.ProxyFromEnvironment,
	}

	return &Session{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		config:  cfg,
		limiter: ratelimit.New(cfg.RateLimit),
		logger:  logging.NewLogger("session"),
	}, nil
}

// buildTLSConfig assembles verification and client-certificate settings.
func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s contains no certificates", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// Config returns the session configuration value.
func (s *Session) Config() Config {
	return s.config
}

// Execute performs one GET request with retry and backoff. Transport errors
// and 5xx responses are retried up to MaxRetries times; 4xx responses and
// service-level error envelopes are returned as-is for classification.
func (s *Session) Execute(ctx context.Context, rawURL string) (*Response, error) {
	if err := s.limiter.Wait(ctx, rawURL); err != nil {
		return nil, &RequestError{URL: rawURL, Class: ErrorClassTransport, Err: err}
	}

	var resp *Response
	var lastErr error

	err := retryWithBackoff(ctx, s.config, s.logger, func() (ErrorClass, error) {
		var attemptErr error
		resp, attemptErr = s.attempt(ctx, rawURL)
		if attemptErr != nil {
			class := classifyTransport(attemptErr)
			requestsTotal.WithLabelValues(string(class)).Inc()
			lastErr = &RequestError{URL: rawURL, Class: class, Err: attemptErr}
			return class, lastErr
		}
		if resp.StatusCode >= 500 {
			requestsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
			return ErrorClassServer, fmt.Errorf("server status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			requestsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		} else {
			requestsTotal.WithLabelValues("success").Inc()
		}
		return "", nil
	})

	if err != nil {
		if errors.Is(err, ErrContextCancelled) {
			return nil, err
		}
		// A 5xx that survived all retries still carries a response body
		// worth preserving in the lineage log.
		if resp != nil && lastErr == nil {
			return resp, nil
		}
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	return resp, nil
}

// attempt performs a single GET round trip, measuring wall time once.
func (s *Session) attempt(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	httpResp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	requestDuration.Observe(elapsed.Seconds())

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		Elapsed:    elapsed,
	}, nil
}
