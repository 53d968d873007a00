// Package gemini wraps the Gemini API for grounded search and summarization.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
)

// Placeholders returned by Summarize instead of an error.
const (
	SummaryUnavailable = "Erro ao conectar com a IA para gerar o resumo. Tente novamente mais tarde."
	SummaryEmpty       = "Não foi possível gerar um resumo."
)

// Config selects models and call budgets.
type Config struct {
	APIKey       string
	SearchModel  string
	SummaryModel string
	Timeout      time.Duration
	Temperature  float32
	MaxChars     int
}

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content,
		config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements gazette.Searcher and gazette.Summarizer.
type Client struct {
	gen    generator
	cfg    Config
	logger *zap.Logger
}

// New dials the Gemini API.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newWithGenerator(client.Models, cfg, logger), nil
}

func newWithGenerator(gen generator, cfg Config, logger *zap.Logger) *Client {
	if cfg.SearchModel == "" {
		cfg.SearchModel = "gemini-2.5-flash"
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.SearchModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	return &Client{gen: gen, cfg: cfg, logger: logging.OrNop(logger).Named("gemini")}
}

const searchInstruction = "Você é um monitor de transparência pública. Busque por fatos recentes."

// Search runs prompt with Google Search grounding and returns the cited sources.
func (c *Client) Search(ctx context.Context, prompt string) (gazette.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.gen.GenerateContent(ctx, c.cfg.SearchModel, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: instruction(searchInstruction),
		Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	})
	if err != nil {
		return gazette.SearchResult{}, fmt.Errorf("grounded search: %w", err)
	}
	result := gazette.SearchResult{
		FreeText:  responseText(resp),
		Citations: citations(resp),
	}
	c.logger.Debug("grounded search finished",
		zap.Int("citations", len(result.Citations)),
		zap.Int("text_len", len(result.FreeText)),
	)
	return result, nil
}

const summaryInstruction = "Você é um assistente de transparência governamental. Seja objetivo e conciso."

const summaryPrompt = `Você está analisando o "Diário Oficial" de São João del-Rei, MG.

Abaixo está o texto extraído do PDF da edição mais recente.
Produza um resumo conciso e estruturado em português (pt-BR).

Destaque:
1. **Decretos:** novas regulamentações.
2. **Nomeações/Exonerações:** mudanças de pessoal relevantes.
3. **Licitações:** contratos ou chamamentos importantes.
4. **Avisos gerais:** o que afeta diretamente a população.

Se o texto for majoritariamente tabular ou estiver corrompido pela extração, descreva que tipo de lista ele parece ser.

Texto do documento:
%s`

// Summarize condenses gazette text. Failures yield a placeholder, never an error.
func (c *Client) Summarize(ctx context.Context, text string) string {
	if c.cfg.MaxChars > 0 {
		if runes := []rune(text); len(runes) > c.cfg.MaxChars {
			text = string(runes[:c.cfg.MaxChars])
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.gen.GenerateContent(ctx, c.cfg.SummaryModel, genai.Text(fmt.Sprintf(summaryPrompt, text)),
		&genai.GenerateContentConfig{
			SystemInstruction: instruction(summaryInstruction),
			Temperature:       genai.Ptr(c.cfg.Temperature),
		})
	if err != nil {
		c.logger.Warn("summarization failed", zap.Error(err))
		return SummaryUnavailable
	}
	out := strings.TrimSpace(responseText(resp))
	if out == "" {
		return SummaryEmpty
	}
	return out
}

func instruction(text string) *genai.Content {
	return &genai.Content{Parts: []*genai.Part{{Text: text}}}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func citations(resp *genai.GenerateContentResponse) []gazette.Citation {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []gazette.Citation
	for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		if _, ok := seen[chunk.Web.URI]; ok {
			continue
		}
		seen[chunk.Web.URI] = struct{}{}
		out = append(out, gazette.Citation{URL: chunk.Web.URI, Title: chunk.Web.Title})
	}
	return out
}
