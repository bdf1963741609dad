package esri

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GeoCodable/grale/pkg/cache"
	"github.com/GeoCodable/grale/pkg/logging"
	"github.com/GeoCodable/grale/pkg/requestlog"
	"github.com/GeoCodable/grale/pkg/session"
)

// DefaultCacheTTL bounds how long metadata and catalog documents are
// served from cache.
const DefaultCacheTTL = 15 * time.Minute

// Service is a typed client for ArcGIS REST endpoints: layer metadata,
// record counts, and catalog traversal. All requests made through a Service
// are recorded in its request log (when one is configured) under the
// service's own ppid.
type Service struct {
	session  *session.Session
	log      *requestlog.Log
	cache    *cache.Manager
	cacheTTL time.Duration
	ppid     string
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLog records every request made through the service in l.
func WithLog(l *requestlog.Log) Option {
	return func(s *Service) { s.log = l }
}

// WithCache serves metadata and catalog documents from m within ttl.
// A non-positive ttl selects DefaultCacheTTL.
func WithCache(m *cache.Manager, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = m
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// NewService creates a Service on top of sess.
func NewService(sess *session.Session, opts ...Option) *Service {
	s := &Service{
		session:  sess,
		cacheTTL: DefaultCacheTTL,
		ppid:     uuid.NewString(),
		logger:   logging.NewLogger("esri"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PPID returns the lineage parent id shared by all requests this service
// records.
func (s *Service) PPID() string {
	return s.ppid
}

// fetch executes one GET request, records its lineage when a log is
// configured, and returns the body of a successful response.
func (s *Service) fetch(ctx context.Context, baseURL string, params url.Values) ([]byte, error) {
	full := baseURL
	if enc := params.Encode(); enc != "" {
		full += "?" + enc
	}

	var pid string
	if s.log != nil {
		var err error
		pid, err = s.log.Create(s.ppid, params, baseURL)
		if err != nil {
			return nil, err
		}
	}

	resp, execErr := s.session.Execute(ctx, full)
	status, results, size := session.Classify(resp, execErr)

	var elapsed time.Duration
	if resp != nil {
		elapsed = resp.Elapsed
	}
	if s.log != nil {
		if err := s.log.Finalize(pid, status, results, elapsed, size); err != nil {
			return nil, err
		}
	}

	if execErr != nil {
		return nil, execErr
	}
	if status != session.StatusSuccess {
		var env struct {
			Error *ServiceError `json:"error"`
		}
		if json.Unmarshal(resp.Body, &env) == nil && env.Error != nil {
			return nil, env.Error
		}
		return nil, fmt.Errorf("request %s failed: %s", baseURL, status)
	}
	return resp.Body, nil
}

// cachedFetch serves a document from cache when possible, fetching and
// caching on miss. Cache failures degrade to a plain fetch.
func (s *Service) cachedFetch(ctx context.Context, baseURL, resource string, params url.Values) ([]byte, error) {
	if s.cache == nil {
		return s.fetch(ctx, baseURL, params)
	}

	key := cache.Key{ServerURL: baseURL, Resource: resource, Query: params}
	if entry, err := s.cache.Get(ctx, key); err == nil {
		s.logger.Debug().Str("key", key.String()).Msg("document served from cache")
		return entry.Data, nil
	}

	body, err := s.fetch(ctx, baseURL, params)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &cache.Entry{Data: body, FetchedAt: now, Expires: now.Add(s.cacheTTL)}
	if err := s.cache.Set(ctx, key, entry); err != nil {
		s.logger.Warn().Err(err).Str("key", key.String()).Msg("cache set failed")
	}
	return body, nil
}

// LayerInfo fetches a layer's metadata document.
func (s *Service) LayerInfo(ctx context.Context, layerURL string) (*LayerInfo, error) {
	body, err := s.cachedFetch(ctx, layerURL, "metadata", url.Values{"f": {"json"}})
	if err != nil {
		return nil, fmt.Errorf("layer metadata %s: %w", layerURL, err)
	}

	var info LayerInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse layer metadata %s: %w", layerURL, err)
	}
	info.Raw = body
	return &info, nil
}

// RecordCount returns the total number of records matching where on the
// layer. Counts change with the data, so they are never cached.
func (s *Service) RecordCount(ctx context.Context, layerURL, where string) (int, error) {
	params := url.Values{
		"where":           {stringOr(where, DefaultWhere)},
		"returnCountOnly": {"true"},
		"f":               {"json"},
	}
	body, err := s.fetch(ctx, layerURL+"/query", params)
	if err != nil {
		return 0, fmt.Errorf("record count %s: %w", layerURL, err)
	}

	var count CountResponse
	if err := json.Unmarshal(body, &count); err != nil {
		return 0, fmt.Errorf("parse record count %s: %w", layerURL, err)
	}
	return count.Count, nil
}
