// Package pdftext downloads gazette PDFs and extracts their plain text.
package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/logging"
)

// Extraction failures.
var (
	ErrNotPDF   = errors.New("document is not a pdf")
	ErrTooLarge = errors.New("document exceeds size limit")
	ErrNoText   = errors.New("document has no extractable text")
)

// Config bounds downloads and parsing.
type Config struct {
	UserAgent      string
	AcceptLanguage string
	Referer        string
	Timeout        time.Duration
	MaxBytes       int64
	MaxPages       int
}

// Limiter throttles requests per upstream host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Extractor implements gazette.TextExtractor.
type Extractor struct {
	cfg       Config
	collector *colly.Collector
	limiter   Limiter
	logger    *zap.Logger
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithLimiter throttles document downloads.
func WithLimiter(l Limiter) Option { return func(e *Extractor) { e.limiter = l } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Extractor) { e.logger = l } }

// New builds an Extractor.
func New(cfg Config, opts ...Option) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 << 20
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.IgnoreRobotsTxt = true
	// One extra byte lets us tell a truncated body from one that fits exactly.
	c.MaxBodySize = int(cfg.MaxBytes) + 1
	c.SetRequestTimeout(cfg.Timeout)

	e := &Extractor{cfg: cfg, collector: c}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger).Named("pdftext")
	return e
}

// ExtractText downloads url and returns the text of its first pages.
func (e *Extractor) ExtractText(ctx context.Context, url string) (string, error) {
	data, err := e.download(ctx, url)
	if err != nil {
		return "", err
	}
	text, pages, err := parse(data, e.cfg.MaxPages)
	if err != nil {
		return "", err
	}
	e.logger.Debug("pdf text extracted",
		zap.String("url", url),
		zap.Int("bytes", len(data)),
		zap.Int("pages", pages),
		zap.Int("chars", len(text)),
	)
	return text, nil
}

func (e *Extractor) download(ctx context.Context, url string) ([]byte, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, url); err != nil {
			return nil, fmt.Errorf("pdf download throttled: %w", err)
		}
	}

	var (
		status  int
		body    []byte
		respErr error
	)
	c := e.collector.Clone()
	c.OnRequest(func(r *colly.Request) {
		e.applyHeaders(r.Headers)
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		respErr = err
	})

	done := make(chan error, 1)
	go func() { done <- c.Visit(url) }()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("pdf download canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = respErr
		}
		if err != nil {
			return nil, fmt.Errorf("pdf download: %w", err)
		}
	}

	switch {
	case status < 200 || status > 299:
		return nil, fmt.Errorf("pdf download: unexpected status %d", status)
	case int64(len(body)) > e.cfg.MaxBytes:
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, e.cfg.MaxBytes)
	case !bytes.HasPrefix(bytes.TrimLeft(body, "\r\n\t "), []byte("%PDF")):
		return nil, ErrNotPDF
	}
	return body, nil
}

func (e *Extractor) applyHeaders(h *http.Header) {
	h.Set("Accept", "application/pdf,text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if e.cfg.UserAgent != "" {
		h.Set("User-Agent", e.cfg.UserAgent)
	}
	if e.cfg.AcceptLanguage != "" {
		h.Set("Accept-Language", e.cfg.AcceptLanguage)
	}
	if e.cfg.Referer != "" {
		h.Set("Referer", e.cfg.Referer)
	}
}

// parse extracts the text of at most maxPages pages. The pdf package panics
// on some malformed inputs, so those are turned into errors.
func parse(data []byte, maxPages int) (text string, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("parse pdf: %w", err)
	}
	total := reader.NumPage()
	if total > maxPages {
		total = maxPages
	}
	var b strings.Builder
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, perr := page.GetPlainText(nil)
		if perr != nil {
			return "", pages, fmt.Errorf("parse pdf page %d: %w", i, perr)
		}
		pages++
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(content)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", pages, ErrNoText
	}
	return out, pages, nil
}
