// Package pipeline turns one acquisition into an ordered, bounded, enriched
// batch of gazette records.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
	"github.com/Frunin/diario-oficial/internal/metrics"
)

// Section headings of an enriched summary.
const (
	AIHeading   = "## Resumo gerado por IA"
	SiteHeading = "## Resumo do site"
)

// DefaultWindow is the batch size used when none is configured.
const DefaultWindow = 5

// Acquirer obtains the listing content.
type Acquirer interface {
	Acquire(ctx context.Context, url string) (gazette.AcquisitionResult, error)
}

// Config parameterizes a Driver.
type Config struct {
	TargetURL string
	Window    int
	// YearFilter keeps only records mentioning this year. Empty disables it.
	YearFilter string
}

// Outcome is the result of one Run.
type Outcome struct {
	Records    []gazette.Record
	Strategy   string
	Generative bool
	FetchedAt  time.Time
	// Enriched reports whether the newest record received an AI summary.
	Enriched bool
}

// Driver wires acquisition, extraction and enrichment together.
type Driver struct {
	cfg        Config
	acquirer   Acquirer
	extractor  gazette.Extractor
	text       gazette.TextExtractor
	summarizer gazette.Summarizer
	logger     *zap.Logger
}

// Option customizes a Driver.
type Option func(*Driver)

// WithEnrichment enables PDF text extraction and summarization of the newest record.
func WithEnrichment(text gazette.TextExtractor, summarizer gazette.Summarizer) Option {
	return func(d *Driver) {
		d.text = text
		d.summarizer = summarizer
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Driver) { d.logger = l } }

// New builds a Driver.
func New(cfg Config, acquirer Acquirer, extractor gazette.Extractor, opts ...Option) *Driver {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	d := &Driver{cfg: cfg, acquirer: acquirer, extractor: extractor}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNop(d.logger).Named("pipeline")
	return d
}

// Run performs one acquisition pass. An empty batch is a valid outcome.
func (d *Driver) Run(ctx context.Context) (Outcome, error) {
	res, err := d.acquirer.Acquire(ctx, d.cfg.TargetURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire listing: %w", err)
	}

	records := res.Records
	if res.Mode == gazette.ModeRaw {
		records, err = d.extractor.Extract(res.Content)
		if err != nil {
			return Outcome{}, fmt.Errorf("extract records from %s result: %w", res.Strategy, err)
		}
	}
	for i := range records {
		if records[i].DiscoveredAt.IsZero() {
			records[i].DiscoveredAt = res.FetchedAt
		}
	}

	records = FilterYear(records, d.cfg.YearFilter)
	records = Merge(records)
	SortNewestFirst(records)
	if len(records) > d.cfg.Window {
		records = records[:d.cfg.Window]
	}

	out := Outcome{
		Records:    records,
		Strategy:   res.Strategy,
		Generative: res.Generative,
		FetchedAt:  res.FetchedAt,
	}
	d.logger.Info("batch assembled",
		zap.String("strategy", res.Strategy),
		zap.Bool("generative", res.Generative),
		zap.Int("records", len(records)),
	)

	if len(records) == 0 || res.Generative {
		return out, nil
	}
	if err := d.enrich(ctx, &records[0]); err != nil {
		metrics.ObserveEnrichmentFailure()
		d.logger.Warn("enrichment failed, keeping site summary",
			zap.String("id", records[0].ID),
			zap.Error(err),
		)
		return out, nil
	}
	out.Enriched = d.text != nil && d.summarizer != nil
	return out, nil
}

func (d *Driver) enrich(ctx context.Context, rec *gazette.Record) error {
	if d.text == nil || d.summarizer == nil {
		return nil
	}
	text, err := d.text.ExtractText(ctx, rec.SourceURL)
	if err != nil {
		return fmt.Errorf("%w: %w", gazette.ErrEnrichment, err)
	}
	rec.ContentSummary = composeSummary(d.summarizer.Summarize(ctx, text), rec.ContentSummary)
	return nil
}

func composeSummary(ai, site string) string {
	var b strings.Builder
	b.WriteString(AIHeading)
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(ai))
	if site = strings.TrimSpace(site); site != "" {
		b.WriteString("\n\n")
		b.WriteString(SiteHeading)
		b.WriteString("\n\n")
		b.WriteString(site)
	}
	return b.String()
}

// FilterYear keeps records whose date, edition or title mention year.
func FilterYear(records []gazette.Record, year string) []gazette.Record {
	year = strings.TrimSpace(year)
	if year == "" {
		return records
	}
	out := records[:0:0]
	for _, r := range records {
		if strings.Contains(r.PublicationDate, year) ||
			strings.Contains(r.EditionLabel, year) ||
			strings.Contains(r.Title, year) {
			out = append(out, r)
		}
	}
	return out
}

// Merge concatenates batches and drops records whose SourceURL was already
// seen. The first occurrence wins and relative order is kept.
func Merge(batches ...[]gazette.Record) []gazette.Record {
	seen := make(map[string]struct{})
	out := make([]gazette.Record, 0)
	for _, batch := range batches {
		for _, r := range batch {
			if _, ok := seen[r.SourceURL]; ok {
				continue
			}
			seen[r.SourceURL] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// SortNewestFirst orders records by numeric ID descending. Records without a
// numeric ID go last; ties keep their relative order.
func SortNewestFirst(records []gazette.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, aok := numericID(records[i].ID)
		b, bok := numericID(records[j].ID)
		switch {
		case aok && bok:
			return a > b
		default:
			return aok && !bok
		}
	})
}

func numericID(id string) (uint64, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
	return n, err == nil
}
