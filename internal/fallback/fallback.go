// Package fallback approximates the latest gazette edition through a grounded
// web search when every acquisition strategy failed.
package fallback

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/clock/system"
	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
)

// Markers placed on records synthesized from search results.
const (
	EditionMarker = "Busca generativa (baixa confiança)"
	GenericTitle  = "Resumo das últimas atualizações (busca generativa)"
)

const promptTemplate = `Encontre as publicações mais recentes do "Diário Oficial" no site oficial de %s (%s).
Liste as edições mais recentes que encontrar, com número da edição, data de publicação e os principais atos publicados.
Responda em português.`

var (
	idParam  = regexp.MustCompile(`(?i)[?&]id=(\d+)`)
	digitRun = regexp.MustCompile(`\d+`)
	dateRe   = regexp.MustCompile(`\b\d{2}/\d{2}/\d{4}\b`)
)

// Config names the municipality being searched.
type Config struct {
	Municipality string
	Domain       string
	ListingURL   string
}

// Fallback implements acquire.Fallback on top of a gazette.Searcher.
type Fallback struct {
	searcher gazette.Searcher
	cfg      Config
	clock    gazette.Clock
	logger   *zap.Logger
}

// Option customizes a Fallback.
type Option func(*Fallback)

// WithClock overrides the clock stamping DiscoveredAt.
func WithClock(c gazette.Clock) Option { return func(f *Fallback) { f.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(f *Fallback) { f.logger = l } }

// New builds a Fallback. Domain defaults to the host of ListingURL.
func New(searcher gazette.Searcher, cfg Config, opts ...Option) *Fallback {
	if cfg.Municipality == "" {
		cfg.Municipality = "São João del-Rei"
	}
	if cfg.Domain == "" {
		if u, err := url.Parse(cfg.ListingURL); err == nil {
			cfg.Domain = u.Hostname()
		}
	}
	cfg.Domain = strings.TrimPrefix(strings.ToLower(cfg.Domain), "www.")
	f := &Fallback{searcher: searcher, cfg: cfg, clock: system.New()}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.OrNop(f.logger).Named("fallback")
	return f
}

// Prompt is the query sent to the search collaborator.
func (f *Fallback) Prompt() string {
	return fmt.Sprintf(promptTemplate, f.cfg.Municipality, f.cfg.Domain)
}

// Locate returns at most one low-confidence record. An empty slice with a nil
// error means the search found nothing usable.
func (f *Fallback) Locate(ctx context.Context) ([]gazette.Record, error) {
	if f.searcher == nil {
		return nil, fmt.Errorf("generative search: no searcher configured")
	}
	res, err := f.searcher.Search(ctx, f.Prompt())
	if err != nil {
		return []gazette.Record{}, fmt.Errorf("generative search: %w", err)
	}
	now := f.clock.Now()
	text := strings.TrimSpace(res.FreeText)

	for _, c := range res.Citations {
		if !f.onDomain(c.URL) {
			continue
		}
		f.logger.Info("using on-domain citation", zap.String("url", c.URL))
		return []gazette.Record{{
			ID:              idFromURL(c.URL),
			Title:           c.Title,
			SourceURL:       c.URL,
			PublicationDate: dateRe.FindString(c.Title),
			EditionLabel:    EditionMarker,
			ContentSummary:  text,
			DiscoveredAt:    now,
		}}, nil
	}

	if text == "" {
		f.logger.Info("search returned nothing usable", zap.Int("citations", len(res.Citations)))
		return []gazette.Record{}, nil
	}
	f.logger.Info("no on-domain citation, returning generic summary", zap.Int("citations", len(res.Citations)))
	return []gazette.Record{{
		Title:          GenericTitle,
		SourceURL:      f.cfg.ListingURL,
		EditionLabel:   EditionMarker,
		ContentSummary: text,
		DiscoveredAt:   now,
	}}, nil
}

func (f *Fallback) onDomain(raw string) bool {
	if f.cfg.Domain == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == f.cfg.Domain || strings.HasSuffix(host, "."+f.cfg.Domain)
}

func idFromURL(raw string) string {
	if m := idParam.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	runs := digitRun.FindAllString(u.EscapedPath()+"?"+u.RawQuery, -1)
	if len(runs) == 0 {
		return ""
	}
	return runs[len(runs)-1]
}
