// Package worker processes one frontier item: fetch, extract, emit and enqueue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
	"github.com/JakeFAU/apilink-crawler/internal/extract"
	"github.com/JakeFAU/apilink-crawler/internal/metrics"
	"github.com/JakeFAU/apilink-crawler/internal/scheduler"
)

// DefaultResponseBodyLimit caps captured API response bodies, in characters.
const DefaultResponseBodyLimit = 1000

// Fetcher is the scheduler surface the worker needs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (crawler.FetchResult, error)
	Release(res crawler.FetchResult)
}

// Frontier admits newly discovered pages.
type Frontier interface {
	TryEnqueue(rawURL string, depth int, source string) bool
	ExtendScope(finalURL string)
}

// Emitter receives records.
type Emitter interface {
	Emit(ctx context.Context, record crawler.Record) error
}

// Config controls Worker behavior.
type Config struct {
	// APIConcurrency bounds concurrent API fetches per page. Zero means unbounded;
	// the scheduler still applies its global limit.
	APIConcurrency    int
	ResponseBodyLimit int
}

// Stats are cumulative counters across every Process call.
type Stats struct {
	Pages    int64
	Links    int64
	APIs     int64
	Failures int64
}

type counters struct {
	pages    atomic.Int64
	links    atomic.Int64
	apis     atomic.Int64
	failures atomic.Int64
}

// Worker turns fetched pages into LINK and API records. It is safe for
// concurrent use by many dispatcher goroutines.
type Worker struct {
	fetcher    Fetcher
	frontier   Frontier
	extractor  *extract.Extractor
	classifier crawler.Classifier
	emitter    Emitter
	cfg        Config
	flights    singleflight.Group
	counts     counters
	tracer     trace.Tracer
	logger     *zap.Logger
}

// New constructs a Worker.
func New(
	fetcher Fetcher,
	frontier Frontier,
	extractor *extract.Extractor,
	classifier crawler.Classifier,
	emitter Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResponseBodyLimit <= 0 {
		cfg.ResponseBodyLimit = DefaultResponseBodyLimit
	}
	return &Worker{
		fetcher:    fetcher,
		frontier:   frontier,
		extractor:  extractor,
		classifier: classifier,
		emitter:    emitter,
		cfg:        cfg,
		tracer:     otel.Tracer("github.com/JakeFAU/apilink-crawler/internal/worker"),
		logger:     logger.Named("worker"),
	}
}

// Process crawls one page. Per-URL failures are logged and counted; only
// emitter errors are returned, and they are fatal to the crawl.
func (w *Worker) Process(ctx context.Context, item crawler.WorkItem) (err error) {
	ctx, span := w.tracer.Start(ctx, "crawl.page", trace.WithAttributes(
		attribute.String("url.full", item.URL),
		attribute.Int("crawl.depth", item.Depth),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	res, ferr := w.fetcher.Fetch(ctx, item.URL)
	if ferr != nil {
		w.fail("page", item.URL, ferr)
		return nil
	}
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
	defer w.fetcher.Release(res)
	w.counts.pages.Add(1)

	if !res.IsSuccess() {
		w.logger.Debug("page skipped", zap.String("url", item.URL), zap.Int("status", res.StatusCode))
		return nil
	}
	if !res.IsHTML() {
		w.logger.Debug("page not html", zap.String("url", item.URL), zap.String("content_type", res.ContentType))
		return nil
	}

	page := res.EffectiveURL()
	if item.Depth == 0 && page != item.URL {
		// Links on the seed's landing page are judged against where it redirected.
		w.frontier.ExtendScope(page)
	}
	found := w.extractor.Extract(res)

	for _, link := range found.Links {
		if w.excluded(link.URL) {
			continue
		}
		if err := w.emitter.Emit(ctx, crawler.NewLinkRecord(link.URL, link.Text, page)); err != nil {
			return fmt.Errorf("emit link: %w", err)
		}
		w.counts.links.Add(1)
		w.frontier.TryEnqueue(link.URL, item.Depth+1, page)
	}

	if err := w.processAPIs(ctx, page, found); err != nil {
		return err
	}
	w.logger.Debug("page processed",
		zap.String("url", page),
		zap.Int("depth", item.Depth),
		zap.Int("links", len(found.Links)),
		zap.Int("candidates", len(found.Scripts)+len(found.Attributes)),
	)
	return nil
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Pages:    w.counts.pages.Load(),
		Links:    w.counts.links.Load(),
		APIs:     w.counts.apis.Load(),
		Failures: w.counts.failures.Load(),
	}
}

func (w *Worker) processAPIs(ctx context.Context, page string, found extract.Result) error {
	base, err := url.Parse(page)
	if err != nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if w.cfg.APIConcurrency > 0 {
		g.SetLimit(w.cfg.APIConcurrency)
	}
	seen := make(map[string]struct{})
	for _, candidate := range found.Candidates() {
		target, err := crawler.Resolve(base, candidate)
		if err != nil {
			continue
		}
		if _, err := crawler.ParseHTTPURL(target); err != nil {
			continue
		}
		if w.excluded(target) {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		g.Go(func() error {
			return w.processAPI(gctx, target, found.Forms)
		})
	}
	return g.Wait()
}

// apiResponse is the retained part of an API fetch, shared between
// concurrent pages that discovered the same endpoint.
type apiResponse struct {
	finalURL   string
	statusCode int
	body       string
}

func (w *Worker) processAPI(ctx context.Context, target string, forms []extract.Form) error {
	ctx, span := w.tracer.Start(ctx, "crawl.api", trace.WithAttributes(attribute.String("url.full", target)))
	defer span.End()

	v, err, _ := w.flights.Do(target, func() (any, error) {
		res, err := w.fetcher.Fetch(ctx, target)
		if err != nil {
			return nil, err
		}
		defer w.fetcher.Release(res)
		return apiResponse{
			finalURL:   res.EffectiveURL(),
			statusCode: res.StatusCode,
			body:       captureBody(res, w.cfg.ResponseBodyLimit),
		}, nil
	})
	if err != nil {
		w.fail("api", target, err)
		return nil
	}
	resp, ok := v.(apiResponse)
	if !ok {
		return nil
	}
	if resp.statusCode < 200 || resp.statusCode > 299 {
		w.logger.Debug("api response skipped", zap.String("url", target), zap.Int("status", resp.statusCode))
		return nil
	}
	record := BuildAPIRecord(resp.finalURL, resp.statusCode, resp.body, forms)
	if err := w.emitter.Emit(ctx, record); err != nil {
		return fmt.Errorf("emit api: %w", err)
	}
	w.counts.apis.Add(1)
	return nil
}

// BuildAPIRecord describes an endpoint from its final URL. The method is POST
// when any form on the discovering page has an action containing the
// endpoint path; this is a heuristic, not a protocol fact.
func BuildAPIRecord(finalURL string, statusCode int, body string, forms []extract.Form) crawler.APIRecord {
	record := crawler.APIRecord{
		Type:         crawler.RecordTypeAPI,
		EndpointName: "root",
		Method:       "GET",
		ResponseBody: body,
		FullURL:      finalURL,
		StatusCode:   statusCode,
	}
	u, err := url.Parse(finalURL)
	if err != nil {
		return record
	}
	record.BaseURL = crawler.Origin(u)
	record.FullEndpoint = u.Path
	if i := strings.LastIndex(u.Path, "/"); i >= 0 && i < len(u.Path)-1 {
		record.EndpointName = u.Path[i+1:]
	} else if i < 0 && u.Path != "" {
		record.EndpointName = u.Path
	}
	if u.Path != "" {
		for _, form := range forms {
			if strings.Contains(form.Action, u.Path) {
				record.Method = "POST"
				break
			}
		}
	}
	return record
}

// captureBody keeps the first limit characters of JSON responses.
func captureBody(res crawler.FetchResult, limit int) string {
	isJSON := strings.Contains(strings.ToLower(res.ContentType), "application/json")
	if !isJSON {
		if u, err := url.Parse(res.EffectiveURL()); err == nil {
			isJSON = strings.HasSuffix(strings.ToLower(u.Path), ".json")
		}
	}
	if !isJSON {
		return ""
	}
	return truncate(strings.ToValidUTF8(string(res.Body), "�"), limit)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

func (w *Worker) excluded(rawURL string) bool {
	return w.classifier != nil && w.classifier.IsExcluded(rawURL)
}

func (w *Worker) fail(kind, target string, err error) {
	if errors.Is(err, context.Canceled) {
		w.logger.Debug("fetch abandoned", zap.String("kind", kind), zap.String("url", target))
		return
	}
	reason := FailureReason(err)
	w.counts.failures.Add(1)
	metrics.ObserveFailure(kind, reason)
	w.logger.Warn("fetch failed",
		zap.String("kind", kind),
		zap.String("url", target),
		zap.String("reason", reason),
		zap.Error(err),
	)
}

// FailureReason buckets a fetch error for logs and metrics.
func FailureReason(err error) string {
	var statusErr *scheduler.StatusError
	switch {
	case errors.Is(err, scheduler.ErrDisallowedByRobots):
		return "robots"
	case errors.Is(err, scheduler.ErrOverBudget):
		return "memory_limit"
	case errors.As(err, &statusErr):
		return "http_status"
	case errors.Is(err, scheduler.ErrRetriesExhausted):
		return "transport"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, crawler.ErrUnsupportedScheme):
		return "bad_url"
	default:
		return "other"
	}
}
