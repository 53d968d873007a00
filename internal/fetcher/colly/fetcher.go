// Package collyfetcher implements the plain-HTTP acquisition strategies using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/clock/system"
	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	Referer        string
	IgnoreRobots   bool
	Timeout        time.Duration
}

// Limiter throttles requests per upstream host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// BlockDetector recognizes challenge pages served with a 2xx status.
type BlockDetector interface {
	IsBlockedBody(body []byte) bool
}

// Fetcher performs single GETs through a shared base collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       Limiter
	detector      BlockDetector
	clock         gazette.Clock
	logger        *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter throttles upstream requests.
func WithLimiter(l Limiter) Option { return func(f *Fetcher) { f.limiter = l } }

// WithDetector enables challenge-page detection on 2xx bodies.
func WithDetector(d BlockDetector) Option { return func(f *Fetcher) { f.detector = d } }

// WithClock overrides the clock used to stamp results.
func WithClock(c gazette.Clock) Option { return func(f *Fetcher) { f.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(f *Fetcher) { f.logger = l } }

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.baseCollector.WithTransport(rt) }
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// page is what one GET produced.
type page struct {
	StatusCode int
	Body       []byte
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.DetectCharset(),
	)
	c.IgnoreRobotsTxt = cfg.IgnoreRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	f := &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		clock:         system.New(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.OrNop(f.logger).Named("colly")
	return f
}

// get executes one GET and classifies the outcome for strategy.
func (f *Fetcher) get(ctx context.Context, strategy, target string) (page, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return page{}, gazette.NewFetchError(strategy, gazette.Classify(err), 0, err)
		}
	}

	var (
		result   page
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, &result, &fetchErr)

	start := time.Now()
	err := runCollector(ctx, collector, target, &fetchErr)
	f.logger.Debug("colly visit finished",
		zap.String("strategy", strategy),
		zap.String("url", target),
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", len(result.Body)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	if err != nil {
		return page{}, gazette.NewFetchError(strategy, gazette.Classify(err), result.StatusCode, err)
	}
	return result, classifyPage(strategy, result, f.detector)
}

func classifyPage(strategy string, p page, detector BlockDetector) error {
	switch {
	case p.StatusCode == http.StatusUnauthorized || p.StatusCode == http.StatusForbidden:
		return gazette.NewFetchError(strategy, gazette.ErrBlocked, p.StatusCode, nil)
	case p.StatusCode < 200 || p.StatusCode > 299:
		return gazette.NewFetchError(strategy, gazette.ErrNetwork, p.StatusCode,
			fmt.Errorf("unexpected status %s", http.StatusText(p.StatusCode)))
	case len(p.Body) == 0:
		return gazette.NewFetchError(strategy, gazette.ErrMalformed, p.StatusCode, fmt.Errorf("empty body"))
	case detector != nil && detector.IsBlockedBody(p.Body):
		return gazette.NewFetchError(strategy, gazette.ErrBlocked, p.StatusCode, fmt.Errorf("challenge page"))
	}
	return nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		f.applyBrowserHeaders(r.Headers)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = page{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) applyBrowserHeaders(h *http.Header) {
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	if f.cfg.UserAgent != "" {
		h.Set("User-Agent", f.cfg.UserAgent)
	}
	if f.cfg.AcceptLanguage != "" {
		h.Set("Accept-Language", f.cfg.AcceptLanguage)
	}
	if f.cfg.Referer != "" {
		h.Set("Referer", f.cfg.Referer)
	}
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
