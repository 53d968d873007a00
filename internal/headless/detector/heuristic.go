// Package detector recognizes block pages and bot challenges served in place of content.
package detector

import (
	"bytes"
	"regexp"
	"strings"
)

// Heuristic implements rule-based block detection on titles and bodies.
type Heuristic struct {
	// BodyLengthThreshold bounds the size of pages checked for script-only challenges.
	BodyLengthThreshold int
	titleMarkers        []string
}

// DefaultTitleMarkers are lowercase substrings seen in block and CAPTCHA page titles.
var DefaultTitleMarkers = []string{
	"captcha",
	"access denied",
	"acesso negado",
	"attention required",
	"just a moment",
	"um momento",
	"are you a robot",
	"verify you are human",
	"verificação de segurança",
	"forbidden",
	"bloqueado",
	"ddos",
	"request rejected",
}

// NewHeuristic creates a new detector. Empty markers fall back to DefaultTitleMarkers.
func NewHeuristic(threshold int, markers []string) *Heuristic {
	if threshold == 0 {
		threshold = 4096
	}
	if len(markers) == 0 {
		markers = DefaultTitleMarkers
	}
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.TrimSpace(strings.ToLower(m)); m != "" {
			lowered = append(lowered, m)
		}
	}
	return &Heuristic{BodyLengthThreshold: threshold, titleMarkers: lowered}
}

// IsBlockedTitle reports whether a page title announces a block or challenge.
func (h *Heuristic) IsBlockedTitle(title string) bool {
	lower := strings.ToLower(title)
	if lower == "" {
		return false
	}
	for _, marker := range h.titleMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var (
	titlePattern     = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	challengeMarkers = [][]byte{
		[]byte("cf-chl-"),
		[]byte("g-recaptcha"),
		[]byte("h-captcha"),
		[]byte("challenge-platform"),
	}
)

// IsBlockedBody reports whether a successfully fetched body is really a
// challenge page: a blocking title, a known challenge widget, or a small
// script-dominated document.
func (h *Heuristic) IsBlockedBody(body []byte) bool {
	if m := titlePattern.FindSubmatch(body); m != nil && h.IsBlockedTitle(string(m[1])) {
		return true
	}
	for _, marker := range challengeMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) > 0 && len(body) < h.BodyLengthThreshold && scriptDensityHigh(body)
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Unterminated tag: the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 50
}
