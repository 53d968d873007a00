package collyfetcher

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Frunin/diario-oficial/internal/gazette"
)

// Strategy names.
const (
	DirectName  = "direct"
	ProxiedName = "proxied"
)

// Direct requests the listing straight from the municipal site.
type Direct struct {
	f *Fetcher
}

// NewDirect wraps f as the Direct strategy.
func NewDirect(f *Fetcher) *Direct {
	return &Direct{f: f}
}

// Name implements gazette.Strategy.
func (d *Direct) Name() string { return DirectName }

// Attempt implements gazette.Strategy.
func (d *Direct) Attempt(ctx context.Context, target string) (gazette.AcquisitionResult, error) {
	p, err := d.f.get(ctx, DirectName, target)
	if err != nil {
		return gazette.AcquisitionResult{}, err
	}
	return d.f.raw(DirectName, p), nil
}

// Proxied routes the request through a public relay that fetches server-side,
// so blocks keyed on our network origin do not apply.
type Proxied struct {
	f        *Fetcher
	template string
}

// NewProxied wraps f as the Proxied strategy. template must contain one %s
// that receives the query-escaped target URL.
func NewProxied(f *Fetcher, template string) *Proxied {
	return &Proxied{f: f, template: template}
}

// Name implements gazette.Strategy.
func (p *Proxied) Name() string { return ProxiedName }

// RelayURL builds the relay request URL for target.
func (p *Proxied) RelayURL(target string) string {
	return fmt.Sprintf(p.template, url.QueryEscape(target))
}

// Attempt implements gazette.Strategy.
func (p *Proxied) Attempt(ctx context.Context, target string) (gazette.AcquisitionResult, error) {
	pg, err := p.f.get(ctx, ProxiedName, p.RelayURL(target))
	if err != nil {
		return gazette.AcquisitionResult{}, err
	}
	return p.f.raw(ProxiedName, pg), nil
}

func (f *Fetcher) raw(strategy string, p page) gazette.AcquisitionResult {
	return gazette.AcquisitionResult{
		Mode:      gazette.ModeRaw,
		Content:   string(p.Body),
		Strategy:  strategy,
		FetchedAt: f.clock.Now(),
	}
}
