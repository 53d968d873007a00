// Package extract turns the municipal listing page into gazette records.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
)

// Config holds the selectors and templates of the listing markup.
type Config struct {
	ContainerSelector   string
	RecordSelector      string
	FieldSelector       string
	LabelSelector       string
	ValueSelector       string
	ActionPattern       string
	DocumentURLTemplate string
	FallbackTitle       string
}

// DefaultConfig matches the São João del-Rei notice site.
func DefaultConfig() Config {
	return Config{
		ContainerSelector:   "#conteudo",
		RecordSelector:      ".item",
		FieldSelector:       ".campo",
		LabelSelector:       ".titulo",
		ValueSelector:       ".valor",
		ActionPattern:       "obterArquivoCadastroGenerico",
		DocumentURLTemplate: "https://saojoaodelrei.mg.gov.br/Obter_Arquivo_Cadastro_Generico.asp?ID=%s",
		FallbackTitle:       "Diário Oficial",
	}
}

// Extractor implements gazette.Extractor with goquery.
type Extractor struct {
	cfg    Config
	clock  gazette.Clock
	logger *zap.Logger
}

// New builds an Extractor. Empty config fields take their defaults.
func New(cfg Config, clock gazette.Clock, logger *zap.Logger) *Extractor {
	def := DefaultConfig()
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&cfg.ContainerSelector, def.ContainerSelector)
	fill(&cfg.RecordSelector, def.RecordSelector)
	fill(&cfg.FieldSelector, def.FieldSelector)
	fill(&cfg.LabelSelector, def.LabelSelector)
	fill(&cfg.ValueSelector, def.ValueSelector)
	fill(&cfg.ActionPattern, def.ActionPattern)
	fill(&cfg.DocumentURLTemplate, def.DocumentURLTemplate)
	fill(&cfg.FallbackTitle, def.FallbackTitle)
	return &Extractor{cfg: cfg, clock: clock, logger: logging.OrNop(logger).Named("extract")}
}

// Config returns the effective configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}

var lineBreak = regexp.MustCompile(`(?i)<br\s*/?>`)

// Extract parses listing markup and returns one record per entry that carries
// a file reference. A missing record container is ErrMalformed.
func (e *Extractor) Extract(markup string) ([]gazette.Record, error) {
	container, err := e.container(markup)
	if err != nil {
		return nil, err
	}
	var fragments []Fragment
	container.Find(e.cfg.RecordSelector).Each(func(_ int, item *goquery.Selection) {
		fragments = append(fragments, e.fragment(item))
	})
	records := e.Assemble(fragments)
	e.logger.Debug("extracted records",
		zap.Int("entries", len(fragments)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// CheckShape verifies that markup looks like the listing page: the action
// pattern is present and the record container resolves.
func (e *Extractor) CheckShape(markup string) error {
	if !strings.Contains(markup, e.cfg.ActionPattern) {
		return fmt.Errorf("%w: no %s handler in content", gazette.ErrMalformed, e.cfg.ActionPattern)
	}
	_, err := e.container(markup)
	return err
}

func (e *Extractor) container(markup string) (*goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(lineBreak.ReplaceAllString(markup, "\n")))
	if err != nil {
		return nil, fmt.Errorf("%w: parse document: %v", gazette.ErrMalformed, err)
	}
	container := doc.Find(e.cfg.ContainerSelector).First()
	if container.Length() == 0 {
		return nil, fmt.Errorf("%w: container %q not found", gazette.ErrMalformed, e.cfg.ContainerSelector)
	}
	return container, nil
}

func (e *Extractor) fragment(item *goquery.Selection) Fragment {
	frag := Fragment{Handler: e.handler(item)}
	item.Find(e.cfg.FieldSelector).Each(func(_ int, block *goquery.Selection) {
		label := block.Find(e.cfg.LabelSelector).First()
		if label.Length() == 0 {
			frag.Fields = append(frag.Fields, Field{Value: block.Text()})
			return
		}
		value := block.Find(e.cfg.ValueSelector).First()
		frag.Fields = append(frag.Fields, Field{Label: label.Text(), Value: value.Text()})
	})
	return frag
}

// handler returns the first onclick (or javascript: href) inside item that
// invokes the action pattern.
func (e *Extractor) handler(item *goquery.Selection) string {
	var found string
	item.Find("[onclick], [href]").AddSelection(item).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range []string{"onclick", "href"} {
			if v, ok := s.Attr(attr); ok && strings.Contains(v, e.cfg.ActionPattern) {
				found = v
				return false
			}
		}
		return true
	})
	return found
}
