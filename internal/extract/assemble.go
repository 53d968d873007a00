package extract

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/gazette"
)

// Field is one labeled block of a listing entry. An empty Label means the
// block had no label element and Value still carries "label: value" text.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Fragment is the raw material of one record, read either from parsed markup
// or from the rendered page.
type Fragment struct {
	Handler string  `json:"handler"`
	Fields  []Field `json:"fields"`
}

type fieldKind int

const (
	fieldUnknown fieldKind = iota
	fieldDate
	fieldEdition
	fieldSummary
)

var (
	dateLabels    = []string{"data"}
	editionLabels = []string{"edição", "edicao", "número", "numero"}
	summaryLabels = []string{"resumo", "descrição", "descricao", "ementa", "assunto"}

	digitRun = regexp.MustCompile(`\d+`)
)

// Assemble turns fragments into records. Fragments without a numeric file
// reference after the action pattern are skipped.
func (e *Extractor) Assemble(fragments []Fragment) []gazette.Record {
	now := e.clock.Now()
	records := make([]gazette.Record, 0, len(fragments))
	for i, frag := range fragments {
		id, err := e.idFromHandler(frag.Handler)
		if err != nil {
			e.logger.Debug("skipping entry", zap.Int("index", i), zap.Error(err))
			continue
		}
		rec := gazette.Record{
			ID:           id,
			SourceURL:    e.DocumentURL(id),
			DiscoveredAt: now,
		}
		for _, f := range frag.Fields {
			label, value := splitField(f)
			if value == "" {
				continue
			}
			switch classify(label) {
			case fieldDate:
				if rec.PublicationDate == "" {
					rec.PublicationDate = value
				}
			case fieldEdition:
				if rec.EditionLabel == "" {
					rec.EditionLabel = value
				}
			case fieldSummary:
				if rec.ContentSummary == "" {
					rec.ContentSummary = value
				} else {
					rec.ContentSummary += "\n" + value
				}
			}
		}
		rec.Title = e.title(rec)
		records = append(records, rec)
	}
	return records
}

// DocumentURL instantiates the document template with id.
func (e *Extractor) DocumentURL(id string) string {
	return fmt.Sprintf(e.cfg.DocumentURLTemplate, id)
}

func (e *Extractor) idFromHandler(handler string) (string, error) {
	idx := strings.Index(handler, e.cfg.ActionPattern)
	if idx < 0 {
		return "", fmt.Errorf("%w: no %s handler", gazette.ErrExtraction, e.cfg.ActionPattern)
	}
	id := digitRun.FindString(handler[idx+len(e.cfg.ActionPattern):])
	if id == "" {
		return "", fmt.Errorf("%w: handler %q has no numeric id", gazette.ErrExtraction, handler)
	}
	return id, nil
}

func (e *Extractor) title(rec gazette.Record) string {
	if rec.EditionLabel != "" {
		return "Diário Oficial - " + rec.EditionLabel
	}
	return fmt.Sprintf("%s (ID: %s)", e.cfg.FallbackTitle, rec.ID)
}

func splitField(f Field) (string, string) {
	label := normalizeText(f.Label)
	value := normalizeText(f.Value)
	if label != "" {
		return strings.TrimSuffix(label, ":"), value
	}
	before, after, found := strings.Cut(value, ":")
	if !found {
		return "", value
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}

func classify(label string) fieldKind {
	lower := strings.ToLower(label)
	switch {
	case lower == "":
		return fieldUnknown
	case containsAny(lower, dateLabels):
		return fieldDate
	case containsAny(lower, editionLabels):
		return fieldEdition
	case containsAny(lower, summaryLabels):
		return fieldSummary
	default:
		return fieldUnknown
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// normalizeText maps non-breaking spaces to spaces, collapses whitespace
// within each line and drops blank lines.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
