// Package httpcache keeps recent fetch results in Badger so repeated crawls
// within the expiration window skip the network.
package httpcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
)

const keyPrefix = "resp:"

// Config controls where and how long responses are kept.
type Config struct {
	Dir      string
	TTL      time.Duration
	InMemory bool
}

// Store is a TTL response cache backed by Badger.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	logger *zap.Logger
}

type entry struct {
	URL        string      `json:"url"`
	FinalURL   string      `json:"final_url"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Open opens (or creates) the cache database.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("httpcache ttl must be > 0")
	}
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if cfg.Dir == "" {
		return nil, errors.New("httpcache dir is required")
	}
	opts = opts.WithLogger(badgerLogger{logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}
	return &Store{db: db, ttl: cfg.TTL, logger: logger.Named("httpcache")}, nil
}

// Get returns a cached result for rawURL. Misses and decode failures report false.
func (s *Store) Get(_ context.Context, rawURL string) (crawler.FetchResult, bool) {
	key, err := cacheKey(rawURL)
	if err != nil {
		return crawler.FetchResult{}, false
	}
	var e entry
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			s.logger.Warn("cache read failed", zap.String("url", rawURL), zap.Error(err))
		}
		return crawler.FetchResult{}, false
	}
	return crawler.FetchResult{
		URL:         e.URL,
		FinalURL:    e.FinalURL,
		StatusCode:  e.StatusCode,
		Headers:     e.Headers,
		Body:        e.Body,
		ContentType: e.Headers.Get("Content-Type"),
		FromCache:   true,
	}, true
}

// Put stores res if its status is cacheable. Write failures are logged, not returned.
func (s *Store) Put(_ context.Context, res crawler.FetchResult) {
	if !Cacheable(res.StatusCode) {
		return
	}
	key, err := cacheKey(res.URL)
	if err != nil {
		return
	}
	raw, err := json.Marshal(entry{
		URL:        res.URL,
		FinalURL:   res.FinalURL,
		StatusCode: res.StatusCode,
		Headers:    res.Headers,
		Body:       res.Body,
		StoredAt:   time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("cache encode failed", zap.String("url", res.URL), zap.Error(err))
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, raw).WithTTL(s.ttl))
	})
	if err != nil {
		s.logger.Warn("cache write failed", zap.String("url", res.URL), zap.Error(err))
	}
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger cache: %w", err)
	}
	return nil
}

// Cacheable excludes server errors and throttling responses so retries reach the network.
func Cacheable(status int) bool {
	if status < 200 || status >= 500 {
		return false
	}
	return status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

func cacheKey(rawURL string) ([]byte, error) {
	norm, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	return []byte(keyPrefix + norm), nil
}

// badgerLogger routes Badger's logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.s.Debugf(format, args...) }
