// Package headless contains the browser-rendered acquisition strategy.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/Frunin/diario-oficial/internal/clock/system"
	"github.com/Frunin/diario-oficial/internal/extract"
	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
)

// Name is the strategy name of Rendered.
const Name = "rendered"

// Output modes.
const (
	ModeEvaluate = "evaluate"
	ModeMarkup   = "markup"
)

// Config controls the behavior of the rendered strategy.
type Config struct {
	UserAgent         string
	AcceptLanguage    string
	Referer           string
	NavigationTimeout time.Duration
	QuiescenceTimeout time.Duration
	ContainerWait     time.Duration
	Mode              string
	ExecPath          string
	Selectors         extract.Config
}

// TitleDetector recognizes block and CAPTCHA page titles.
type TitleDetector interface {
	IsBlockedTitle(title string) bool
}

// Assembler builds records from fragments read in the page.
type Assembler interface {
	Assemble(fragments []extract.Fragment) []gazette.Record
}

// Limiter throttles requests per upstream host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Rendered implements gazette.Strategy with a dedicated headless Chrome per attempt.
type Rendered struct {
	cfg       Config
	assembler Assembler
	detector  TitleDetector
	limiter   Limiter
	clock     gazette.Clock
	logger    *zap.Logger
	allocOpts []chromedp.ExecAllocatorOption
	script    string
}

// Option customizes Rendered.
type Option func(*Rendered)

// WithDetector sets the block title detector.
func WithDetector(d TitleDetector) Option { return func(r *Rendered) { r.detector = d } }

// WithLimiter throttles navigations.
func WithLimiter(l Limiter) Option { return func(r *Rendered) { r.limiter = l } }

// WithClock overrides the clock used to stamp results.
func WithClock(c gazette.Clock) Option { return func(r *Rendered) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Rendered) { r.logger = l } }

// NewRendered creates the rendered strategy.
func NewRendered(cfg Config, assembler Assembler, opts ...Option) (*Rendered, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeEvaluate
	}
	if cfg.Mode != ModeEvaluate && cfg.Mode != ModeMarkup {
		return nil, fmt.Errorf("unknown render mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeEvaluate && assembler == nil {
		return nil, fmt.Errorf("evaluate mode requires an assembler")
	}
	script, err := buildScript(cfg.Selectors)
	if err != nil {
		return nil, err
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(cfg.ExecPath))
	}

	r := &Rendered{
		cfg:       cfg,
		assembler: assembler,
		clock:     system.New(),
		allocOpts: allocOpts,
		script:    script,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).Named("rendered")
	return r, nil
}

// Name implements gazette.Strategy.
func (r *Rendered) Name() string { return Name }

// Attempt navigates with a fresh browser. The browser process is torn down
// before Attempt returns on every path.
func (r *Rendered) Attempt(ctx context.Context, target string) (gazette.AcquisitionResult, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, target); err != nil {
			return gazette.AcquisitionResult{}, gazette.NewFetchError(Name, gazette.Classify(err), 0, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.navTimeout())
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.allocOpts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()
	defer func() {
		if err := chromedp.Cancel(taskCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Debug("close browser", zap.Error(err))
		}
	}()

	tracker := newInflightTracker(time.Now)
	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, func(ev any) {
		tracker.handle(ev)
		meta.captureEvent(ev)
	})

	start := time.Now()
	if err := chromedp.Run(taskCtx, r.networkSetupAction(), chromedp.Navigate(target)); err != nil {
		return gazette.AcquisitionResult{}, r.runError(ctx, "navigate", err)
	}
	if status := meta.status(); status == http.StatusUnauthorized || status == http.StatusForbidden {
		return gazette.AcquisitionResult{}, gazette.NewFetchError(Name, gazette.ErrBlocked, status, nil)
	}

	if !tracker.waitQuiet(taskCtx, quietWindow, r.quiescenceTimeout()) {
		r.logger.Debug("network not quiet, continuing", zap.Int("inflight", tracker.pending()))
	}

	var title string
	if err := chromedp.Run(taskCtx, chromedp.Title(&title)); err != nil {
		return gazette.AcquisitionResult{}, r.runError(ctx, "read title", err)
	}
	if r.detector != nil && r.detector.IsBlockedTitle(title) {
		return gazette.AcquisitionResult{}, gazette.NewFetchError(Name, gazette.ErrBlocked, meta.status(),
			fmt.Errorf("block page %q", title))
	}

	r.waitForContainer(taskCtx)

	result, err := r.collect(taskCtx)
	if err != nil {
		return gazette.AcquisitionResult{}, err
	}
	r.logger.Debug("rendered page",
		zap.String("url", target),
		zap.String("title", title),
		zap.String("mode", r.cfg.Mode),
		zap.Int("records", len(result.Records)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (r *Rendered) collect(ctx context.Context) (gazette.AcquisitionResult, error) {
	result := gazette.AcquisitionResult{Strategy: Name, FetchedAt: r.clock.Now()}
	if r.cfg.Mode == ModeMarkup {
		var html string
		if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
			return gazette.AcquisitionResult{}, r.runError(ctx, "read markup", err)
		}
		result.Mode = gazette.ModeRaw
		result.Content = html
		return result, nil
	}

	var page evalResult
	if err := chromedp.Run(ctx, chromedp.Evaluate(r.script, &page)); err != nil {
		return gazette.AcquisitionResult{}, r.runError(ctx, "evaluate", err)
	}
	if !page.Found {
		return gazette.AcquisitionResult{}, gazette.NewFetchError(Name, gazette.ErrMalformed, 0,
			fmt.Errorf("container %q not rendered", r.cfg.Selectors.ContainerSelector))
	}
	result.Mode = gazette.ModeStructured
	result.Records = r.assembler.Assemble(page.Items)
	return result, nil
}

// waitForContainer gives the record container a bounded chance to appear.
// Its absence is not an error here.
func (r *Rendered) waitForContainer(ctx context.Context) {
	if r.cfg.ContainerWait <= 0 || r.cfg.Selectors.ContainerSelector == "" {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.ContainerWait)
	defer cancel()
	if err := chromedp.Run(waitCtx, chromedp.WaitVisible(r.cfg.Selectors.ContainerSelector, chromedp.ByQuery)); err != nil {
		r.logger.Debug("container did not appear", zap.String("selector", r.cfg.Selectors.ContainerSelector), zap.Error(err))
	}
}

func (r *Rendered) runError(attemptCtx context.Context, step string, err error) error {
	kind := gazette.Classify(err)
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		kind = gazette.ErrTimeout
	}
	return gazette.NewFetchError(Name, kind, 0, fmt.Errorf("chromedp %s: %w", step, err))
}

func (r *Rendered) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			override := emulation.SetUserAgentOverride(r.cfg.UserAgent)
			if r.cfg.AcceptLanguage != "" {
				override = override.WithAcceptLanguage(r.cfg.AcceptLanguage)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if headers := r.extraHeaders(); len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Rendered) extraHeaders() network.Headers {
	headers := network.Headers{}
	if r.cfg.AcceptLanguage != "" {
		headers["Accept-Language"] = r.cfg.AcceptLanguage
	}
	if r.cfg.Referer != "" {
		headers["Referer"] = r.cfg.Referer
	}
	return headers
}

func (r *Rendered) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func (r *Rendered) quiescenceTimeout() time.Duration {
	if r.cfg.QuiescenceTimeout > 0 {
		return r.cfg.QuiescenceTimeout
	}
	return 10 * time.Second
}
