package gazette

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Every acquisition error matches exactly one of them via errors.Is.
var (
	ErrTimeout    = errors.New("timeout")
	ErrNetwork    = errors.New("network failure")
	ErrBlocked    = errors.New("blocked by upstream")
	ErrMalformed  = errors.New("malformed content")
	ErrExtraction = errors.New("extraction failed")
	ErrEnrichment = errors.New("enrichment failed")
	ErrTerminal   = errors.New("all acquisition strategies failed")
)

// ErrNotFound is returned by stores that hold no batch yet.
var ErrNotFound = errors.New("not found")

// FetchError describes a failed strategy attempt.
type FetchError struct {
	Strategy   string
	Kind       error
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Strategy)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the failure kind.
func (e *FetchError) Is(target error) bool {
	return target == e.Kind
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a FetchError of the given kind.
func NewFetchError(strategy string, kind error, status int, err error) *FetchError {
	return &FetchError{Strategy: strategy, Kind: kind, StatusCode: status, Err: err}
}

// Classify maps a transport error onto a failure kind.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, ErrBlocked):
		return ErrBlocked
	case errors.Is(err, ErrMalformed):
		return ErrMalformed
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return ErrTimeout
	}
	return ErrNetwork
}

// TerminalError is returned when every strategy and the fallback failed.
type TerminalError struct {
	Attempts []error
	Fallback error
	Message  string
}

func (e *TerminalError) Error() string {
	parts := make([]string, 0, len(e.Attempts)+1)
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	if e.Fallback != nil {
		parts = append(parts, "fallback: "+e.Fallback.Error())
	}
	return fmt.Sprintf("%s: %s", ErrTerminal.Error(), strings.Join(parts, "; "))
}

func (e *TerminalError) Is(target error) bool {
	return target == ErrTerminal
}

func (e *TerminalError) Unwrap() []error {
	out := append([]error(nil), e.Attempts...)
	if e.Fallback != nil {
		out = append(out, e.Fallback)
	}
	return out
}

// NewTerminalError summarizes the attempts into a user-facing message.
func NewTerminalError(attempts []error, fallback error) *TerminalError {
	return &TerminalError{
		Attempts: attempts,
		Fallback: fallback,
		Message:  terminalMessage(attempts),
	}
}

func terminalMessage(attempts []error) string {
	var blocked, timeout, malformed int
	for _, err := range attempts {
		switch {
		case errors.Is(err, ErrBlocked):
			blocked++
		case errors.Is(err, ErrTimeout):
			timeout++
		case errors.Is(err, ErrMalformed):
			malformed++
		}
	}
	switch {
	case len(attempts) > 0 && blocked == len(attempts):
		return "O site bloqueou todas as tentativas de acesso automatizado e a busca generativa não está disponível."
	case blocked > 0:
		return "O site bloqueou o acesso automatizado e as demais estratégias também falharam."
	case len(attempts) > 0 && timeout == len(attempts):
		return "O site não respondeu dentro do tempo limite."
	case malformed > 0:
		return "A página do Diário Oficial mudou de formato e não pôde ser interpretada."
	default:
		return "Não foi possível acessar o site do Diário Oficial."
	}
}

// UserMessage turns any error into one classified sentence suitable for
// the check log or an API response.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *TerminalError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "A verificação foi cancelada."
	case errors.Is(err, ErrBlocked):
		return "O site bloqueou o acesso automatizado."
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "O site não respondeu dentro do tempo limite."
	case errors.Is(err, ErrMalformed):
		return "A página do Diário Oficial mudou de formato e não pôde ser interpretada."
	case errors.Is(err, ErrExtraction):
		return "Não foi possível extrair as edições da página."
	case errors.Is(err, ErrEnrichment):
		return "Não foi possível gerar o resumo da edição mais recente."
	case errors.Is(err, ErrNetwork):
		return "Falha de rede ao acessar o site do Diário Oficial."
	case errors.Is(err, ErrTerminal):
		return "Não foi possível acessar o site do Diário Oficial."
	default:
		return "Erro desconhecido durante a busca."
	}
}
