package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/pipeline"
)

type fakeRunner struct {
	mu       sync.Mutex
	outcomes []pipeline.Outcome
	err      error
	calls    atomic.Int32
	gate     chan struct{}
	started  chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context) (pipeline.Outcome, error) {
	r.calls.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return pipeline.Outcome{}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return pipeline.Outcome{}, r.err
	}
	out := r.outcomes[0]
	if len(r.outcomes) > 1 {
		r.outcomes = r.outcomes[1:]
	}
	// Fresh slice per run, as the driver does.
	out.Records = append([]gazette.Record(nil), out.Records...)
	return out, nil
}

type fakeStore struct {
	mu    sync.Mutex
	batch *gazette.Batch
	saves int
	err   error
}

func (s *fakeStore) SaveBatch(_ context.Context, b gazette.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.batch = &b
	return nil
}

func (s *fakeStore) LatestBatch(context.Context) (gazette.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return gazette.Batch{}, gazette.ErrNotFound
	}
	return *s.batch, nil
}

type fakeBlobs struct {
	paths []string
	data  [][]byte
}

func (b *fakeBlobs) PutObject(_ context.Context, path, _ string, data []byte) (string, error) {
	b.paths = append(b.paths, path)
	b.data = append(b.data, data)
	return "memory://" + path, nil
}

type fakePublisher struct {
	topics  []string
	payload []any
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.topics = append(p.topics, topic)
	p.payload = append(p.payload, payload)
	return fmt.Sprintf("msg-%d", len(p.topics)), nil
}

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("check-%d", s.n.Add(1)), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func record(id string) gazette.Record {
	return gazette.Record{
		ID:        id,
		Title:     "Diário Oficial - " + id,
		SourceURL: "https://saojoaodelrei.mg.gov.br/Obter_Arquivo_Cadastro_Generico.asp?ID=" + id,
	}
}

func batchOf(ids ...string) pipeline.Outcome {
	out := pipeline.Outcome{Strategy: "direct"}
	for _, id := range ids {
		out.Records = append(out.Records, record(id))
	}
	return out
}

type harness struct {
	w     *Watcher
	store *fakeStore
	blobs *fakeBlobs
	pub   *fakePublisher
}

func newHarness(runner Runner, store *fakeStore) harness {
	if store == nil {
		store = &fakeStore{}
	}
	h := harness{store: store, blobs: &fakeBlobs{}, pub: &fakePublisher{}}
	h.w = New(runner, store, &seqIDs{}, Config{Topic: "gazette.new_edition", BlobPrefix: "/gazettes/"},
		WithBlobStore(h.blobs),
		WithPublisher(h.pub),
		WithClock(fixedClock{t: time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)}),
	)
	return h
}

func TestCheckDetectsNewEdition(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outcomes: []pipeline.Outcome{batchOf("4821", "4790"), batchOf("4821", "4790"), batchOf("4830", "4821")}}
	h := newHarness(runner, nil)
	ctx := context.Background()

	res, err := h.w.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, "check-1", res.CheckID)
	require.True(t, res.NewEdition)
	require.True(t, res.Records[0].IsNewSinceLastCheck)
	require.False(t, res.Records[1].IsNewSinceLastCheck)
	require.Equal(t, "memory://gazettes/latest.json", res.SnapshotURI)
	require.Equal(t, []string{"gazette.new_edition"}, h.pub.topics)
	event, ok := h.pub.payload[0].(gazette.NewEditionEvent)
	require.True(t, ok)
	require.Equal(t, "4821", event.Record.ID)

	res, err = h.w.Check(ctx)
	require.NoError(t, err)
	require.False(t, res.NewEdition)
	require.False(t, res.Records[0].IsNewSinceLastCheck)
	require.Empty(t, res.SnapshotURI, "identical batch is not uploaded again")
	require.Len(t, h.pub.topics, 1)

	res, err = h.w.Check(ctx)
	require.NoError(t, err)
	require.True(t, res.NewEdition)
	require.Equal(t, "4830", res.Records[0].ID)
	require.Len(t, h.pub.topics, 2)
	require.Len(t, h.blobs.paths, 2)

	latest, err := h.w.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, "check-3", latest.CheckID)
	require.Equal(t, 3, h.store.saves)

	logs := h.w.Logs()
	require.Len(t, logs, 3)
	require.Equal(t, gazette.CheckSuccess, logs[0].Status)
	require.Equal(t, gazette.CheckNoChange, logs[1].Status)
	require.Equal(t, gazette.CheckSuccess, logs[2].Status)
	require.Contains(t, logs[0].Message, "Diário Oficial - 4830")
}

func TestCheckSeedsAcknowledgedFromStore(t *testing.T) {
	t.Parallel()

	store := &fakeStore{batch: &gazette.Batch{CheckID: "old", Records: []gazette.Record{record("4821")}}}
	h := newHarness(&fakeRunner{outcomes: []pipeline.Outcome{batchOf("4821")}}, store)

	res, err := h.w.Check(context.Background())
	require.NoError(t, err)
	require.False(t, res.NewEdition)
	require.Empty(t, h.pub.topics)
}

func TestCheckFailureIsLogged(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: fmt.Errorf("acquire listing: %w", gazette.NewTerminalError(
		[]error{gazette.NewFetchError("direct", gazette.ErrBlocked, 403, nil)}, errors.New("no fallback")))}
	h := newHarness(runner, nil)

	_, err := h.w.Check(context.Background())
	require.ErrorIs(t, err, gazette.ErrTerminal)
	logs := h.w.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, gazette.CheckFailure, logs[0].Status)
	require.Contains(t, logs[0].Message, "bloqueou")
	require.Zero(t, h.store.saves)
}

func TestCheckSaveFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("db down")}
	h := newHarness(&fakeRunner{outcomes: []pipeline.Outcome{batchOf("1")}}, store)

	_, err := h.w.Check(context.Background())
	require.ErrorContains(t, err, "save batch")
	require.Empty(t, h.pub.topics)
	require.Equal(t, gazette.CheckFailure, h.w.Logs()[0].Status)
}

func TestGenerativeResultsAreNotAnnounced(t *testing.T) {
	t.Parallel()

	out := batchOf("4821")
	out.Generative = true
	h := newHarness(&fakeRunner{outcomes: []pipeline.Outcome{out}}, nil)

	res, err := h.w.Check(context.Background())
	require.NoError(t, err)
	require.False(t, res.NewEdition)
	require.Empty(t, h.pub.topics)
	require.Equal(t, gazette.CheckInfo, h.w.Logs()[0].Status)
	require.Zero(t, h.store.saves)
	require.Empty(t, h.blobs.paths)
}

func TestGenerativeResultDoesNotReplaceAcknowledgedBatch(t *testing.T) {
	t.Parallel()

	store := &fakeStore{batch: &gazette.Batch{CheckID: "old", Records: []gazette.Record{record("4821")}}}
	generative := pipeline.Outcome{Strategy: "generative", Generative: true, Records: []gazette.Record{{
		Title:     "Resumo das últimas atualizações (busca generativa)",
		SourceURL: "https://saojoaodelrei.mg.gov.br/pagina/9837/Diario%20Oficial",
	}}}
	first := newHarness(&fakeRunner{outcomes: []pipeline.Outcome{generative}}, store)
	_, err := first.w.Check(context.Background())
	require.NoError(t, err)

	latest, err := first.w.Latest(context.Background())
	require.NoError(t, err)
	require.Equal(t, "old", latest.CheckID)

	// A restarted watcher over the same store must not re-announce 4821.
	restarted := newHarness(&fakeRunner{outcomes: []pipeline.Outcome{batchOf("4821")}}, store)
	res, err := restarted.w.Check(context.Background())
	require.NoError(t, err)
	require.False(t, res.NewEdition)
	require.Empty(t, restarted.pub.topics)
}

func TestEmptyBatchIsInfo(t *testing.T) {
	t.Parallel()

	h := newHarness(&fakeRunner{outcomes: []pipeline.Outcome{{Records: []gazette.Record{}}}}, nil)
	res, err := h.w.Check(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Records)
	require.Equal(t, gazette.CheckInfo, h.w.Logs()[0].Status)
}

func TestTryCheckSkipsWhileRunning(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		outcomes: []pipeline.Outcome{batchOf("1")},
		gate:     make(chan struct{}),
		started:  make(chan struct{}, 4),
	}
	h := newHarness(runner, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.w.Check(ctx)
		done <- err
	}()
	<-runner.started
	require.True(t, h.w.Running())

	ran, err := h.w.TryCheck(ctx)
	require.NoError(t, err)
	require.False(t, ran)
	require.Equal(t, int32(1), runner.calls.Load())

	close(runner.gate)
	require.NoError(t, <-done)
	require.False(t, h.w.Running())

	ran, err = h.w.TryCheck(ctx)
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, int32(2), runner.calls.Load())
}

func TestCheckSurvivesCancelledInitiator(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		outcomes: []pipeline.Outcome{batchOf("4821")},
		gate:     make(chan struct{}),
		started:  make(chan struct{}, 4),
	}
	h := newHarness(runner, nil)

	initiatorCtx, cancel := context.WithCancel(context.Background())
	initiator := make(chan error, 1)
	go func() {
		_, err := h.w.Check(initiatorCtx)
		initiator <- err
	}()
	<-runner.started

	cancel()
	require.ErrorIs(t, <-initiator, context.Canceled)
	require.True(t, h.w.Running(), "check keeps running after its initiator gave up")

	joiner := make(chan error, 1)
	go func() {
		_, err := h.w.Check(context.Background())
		joiner <- err
	}()
	close(runner.gate)
	require.NoError(t, <-joiner)

	logs := h.w.Logs()
	oldest := logs[len(logs)-1]
	require.Equal(t, "check-1", oldest.CheckID)
	require.Equal(t, gazette.CheckSuccess, oldest.Status)
}

func TestCheckIsBoundedByTimeout(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outcomes: []pipeline.Outcome{batchOf("1")}, gate: make(chan struct{})}
	w := New(runner, &fakeStore{}, &seqIDs{}, Config{Timeout: 20 * time.Millisecond})

	_, err := w.Check(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, gazette.CheckFailure, w.Logs()[0].Status)
	require.False(t, w.Running())
}

func TestLogIsBounded(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outcomes: []pipeline.Outcome{batchOf("1")}}
	store := &fakeStore{}
	w := New(runner, store, &seqIDs{}, Config{LogSize: 3})
	for i := 0; i < 5; i++ {
		_, err := w.Check(context.Background())
		require.NoError(t, err)
	}
	logs := w.Logs()
	require.Len(t, logs, 3)
	require.Equal(t, "check-5", logs[0].CheckID)
}
