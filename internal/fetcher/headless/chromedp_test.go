package headless

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/Frunin/diario-oficial/internal/extract"
	"github.com/Frunin/diario-oficial/internal/gazette"
)

type stubAssembler struct{}

func (stubAssembler) Assemble([]extract.Fragment) []gazette.Record { return nil }

func TestNewRenderedValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRendered(Config{Mode: "screenshot"}, stubAssembler{})
	require.Error(t, err)

	_, err = NewRendered(Config{}, nil)
	require.ErrorContains(t, err, "assembler")

	r, err := NewRendered(Config{Mode: ModeMarkup}, nil)
	require.NoError(t, err)
	require.Equal(t, Name, r.Name())
}

func TestRenderedTimeoutDefaults(t *testing.T) {
	t.Parallel()

	r := &Rendered{}
	require.Equal(t, 45*time.Second, r.navTimeout())
	require.Equal(t, 10*time.Second, r.quiescenceTimeout())

	r.cfg.NavigationTimeout = time.Second
	r.cfg.QuiescenceTimeout = 2 * time.Second
	require.Equal(t, time.Second, r.navTimeout())
	require.Equal(t, 2*time.Second, r.quiescenceTimeout())
}

func TestRenderedExtraHeaders(t *testing.T) {
	t.Parallel()

	r := &Rendered{cfg: Config{AcceptLanguage: "pt-BR", Referer: "https://saojoaodelrei.mg.gov.br/"}}
	headers := r.extraHeaders()
	require.Equal(t, "pt-BR", headers["Accept-Language"])
	require.Equal(t, "https://saojoaodelrei.mg.gov.br/", headers["Referer"])

	require.Empty(t, (&Rendered{}).extraHeaders())
}

func TestRunErrorClassification(t *testing.T) {
	t.Parallel()

	r := &Rendered{}
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := r.runError(expired, "navigate", errors.New("page load error net::ERR_ABORTED"))
	require.ErrorIs(t, err, gazette.ErrTimeout)

	err = r.runError(context.Background(), "navigate", errors.New("net::ERR_CONNECTION_REFUSED"))
	require.ErrorIs(t, err, gazette.ErrNetwork)

	var fe *gazette.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, Name, fe.Strategy)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func TestInflightTrackerQuiet(t *testing.T) {
	t.Parallel()

	clk := &manualClock{now: time.Unix(0, 0)}
	tr := newInflightTracker(clk.Now)

	tr.handle(&network.EventRequestWillBeSent{RequestID: "doc"})
	tr.handle(&network.EventRequestWillBeSent{RequestID: "xhr"})
	require.Equal(t, 2, tr.pending())

	tr.handle(&network.EventLoadingFinished{RequestID: "doc"})
	clk.advance(time.Second)
	require.False(t, tr.quiet(quietWindow), "xhr still pending")

	tr.handle(&network.EventLoadingFailed{RequestID: "xhr"})
	require.False(t, tr.quiet(quietWindow), "activity just happened")

	clk.advance(quietWindow)
	require.True(t, tr.quiet(quietWindow))

	tr.handle("unrelated event")
	require.True(t, tr.quiet(quietWindow))
}

func TestInflightTrackerWaitQuietTimesOut(t *testing.T) {
	t.Parallel()

	tr := newInflightTracker(time.Now)
	tr.handle(&network.EventRequestWillBeSent{RequestID: "long-poll"})

	start := time.Now()
	require.False(t, tr.waitQuiet(context.Background(), 50*time.Millisecond, 150*time.Millisecond))
	require.Less(t, time.Since(start), time.Second)
}

func TestInflightTrackerWaitQuietSucceeds(t *testing.T) {
	t.Parallel()

	tr := newInflightTracker(time.Now)
	require.True(t, tr.waitQuiet(context.Background(), 20*time.Millisecond, time.Second))
}

func TestResponseMetaCapture(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	require.Equal(t, 200, meta.status())

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404},
	})
	require.Equal(t, 200, meta.status())

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 403},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200},
	})
	require.Equal(t, 403, meta.status())
}

func TestBuildScriptQuotesSelectors(t *testing.T) {
	t.Parallel()

	script, err := buildScript(extract.Config{ContainerSelector: `div[data-x="a'b"]`})
	require.NoError(t, err)
	require.Contains(t, script, `document.querySelector("div[data-x=\"a'b\"]")`)
	require.Contains(t, script, `"obterArquivoCadastroGenerico"`)
	require.Contains(t, script, `querySelectorAll(".campo")`)
	require.False(t, strings.Contains(script, "%!"), "unfilled verb in %s", script)
}

func TestNoopStrategy(t *testing.T) {
	t.Parallel()

	n := NewNoop()
	require.Equal(t, Name, n.Name())
	_, err := n.Attempt(context.Background(), "https://example.com")
	require.ErrorIs(t, err, gazette.ErrNetwork)
}
