// Package watcher runs serialized gazette checks and tracks which edition was
// last acknowledged.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Frunin/diario-oficial/internal/clock/system"
	"github.com/Frunin/diario-oficial/internal/gazette"
	"github.com/Frunin/diario-oficial/internal/logging"
	"github.com/Frunin/diario-oficial/internal/metrics"
	"github.com/Frunin/diario-oficial/internal/pipeline"
)

// DefaultLogSize is how many check outcomes are retained.
const DefaultLogSize = 100

// DefaultTimeout bounds one check when Config.Timeout is unset.
const DefaultTimeout = 5 * time.Minute

// Runner produces one batch.
type Runner interface {
	Run(ctx context.Context) (pipeline.Outcome, error)
}

// Config controls persistence and notification.
type Config struct {
	Topic       string
	BlobPrefix  string
	ContentType string
	LogSize     int
	// Timeout bounds a check independently of the callers waiting on it.
	Timeout time.Duration
}

// Result describes a finished check.
type Result struct {
	CheckID     string
	CheckedAt   time.Time
	Records     []gazette.Record
	Strategy    string
	Generative  bool
	NewEdition  bool
	SnapshotURI string
}

// Watcher coordinates checks. At most one runs at a time; concurrent
// callers of Check share the in-flight result.
type Watcher struct {
	runner    Runner
	store     gazette.BatchStore
	blobs     gazette.BlobStore
	publisher gazette.Publisher
	ids       gazette.IDGenerator
	clock     gazette.Clock
	cfg       Config
	logger    *zap.Logger

	group   singleflight.Group
	running atomic.Bool

	mu           sync.RWMutex
	loaded       bool
	lastURL      string
	snapshotHash string
	logs         []gazette.CheckLog
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithBlobStore exports a JSON snapshot of every batch.
func WithBlobStore(b gazette.BlobStore) Option { return func(w *Watcher) { w.blobs = b } }

// WithPublisher announces new editions.
func WithPublisher(p gazette.Publisher) Option { return func(w *Watcher) { w.publisher = p } }

// WithClock overrides the clock.
func WithClock(c gazette.Clock) Option { return func(w *Watcher) { w.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(w *Watcher) { w.logger = l } }

// New builds a Watcher.
func New(runner Runner, store gazette.BatchStore, ids gazette.IDGenerator, cfg Config, opts ...Option) *Watcher {
	if cfg.LogSize <= 0 {
		cfg.LogSize = DefaultLogSize
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	w := &Watcher{
		runner: runner,
		store:  store,
		ids:    ids,
		clock:  system.New(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.OrNop(w.logger).Named("watcher")
	return w
}

// Check runs a check, or joins the one already running. The check itself
// is detached from ctx: a caller that gives up stops waiting, but the check
// keeps running for the others, bounded by Config.Timeout.
func (w *Watcher) Check(ctx context.Context) (Result, error) {
	ch := w.group.DoChan("check", func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Timeout)
		defer cancel()
		return w.run(runCtx)
	})
	select {
	case r := <-ch:
		if r.Shared {
			w.logger.Debug("joined in-flight check")
		}
		res, _ := r.Val.(Result)
		return res, r.Err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("wait for check: %w", ctx.Err())
	}
}

// TryCheck runs a check unless one is already in flight, in which case it
// returns false without waiting.
func (w *Watcher) TryCheck(ctx context.Context) (bool, error) {
	if w.running.Load() {
		w.logger.Info("check already running, skipping trigger")
		return false, nil
	}
	_, err := w.Check(ctx)
	return true, err
}

// Running reports whether a check is in flight.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Latest returns the most recently saved batch.
func (w *Watcher) Latest(ctx context.Context) (gazette.Batch, error) {
	batch, err := w.store.LatestBatch(ctx)
	if err != nil {
		return gazette.Batch{}, fmt.Errorf("load latest batch: %w", err)
	}
	return batch, nil
}

// Logs returns the retained check outcomes, newest first.
func (w *Watcher) Logs() []gazette.CheckLog {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]gazette.CheckLog, len(w.logs))
	copy(out, w.logs)
	return out
}

func (w *Watcher) run(ctx context.Context) (Result, error) {
	w.running.Store(true)
	defer w.running.Store(false)

	start := time.Now()
	checkID, err := w.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate check id: %w", err)
	}
	ctx, span := otel.Tracer("watcher").Start(ctx, "watcher.check")
	defer span.End()
	span.SetAttributes(attribute.String("check.id", checkID))

	log := w.logger.With(zap.String("check_id", checkID))
	log.Info("check started")

	if err := w.loadAcknowledged(ctx); err != nil {
		log.Warn("could not load last batch", zap.Error(err))
	}

	out, err := w.runner.Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "check failed")
		msg := gazette.UserMessage(err)
		w.appendLog(checkID, gazette.CheckFailure, msg)
		metrics.ObserveCheck(string(gazette.CheckFailure), time.Since(start), -1)
		log.Error("check failed", zap.String("message", msg), zap.Error(err))
		return Result{}, fmt.Errorf("check %s: %w", checkID, err)
	}

	res := Result{
		CheckID:    checkID,
		CheckedAt:  w.clock.Now(),
		Records:    out.Records,
		Strategy:   out.Strategy,
		Generative: out.Generative,
	}
	res.NewEdition = w.markNewest(res.Records, out.Generative)

	if out.Generative {
		// Low-confidence results must not replace the stored batch: it seeds
		// the acknowledged edition after a restart.
		status, msg := describe(res)
		w.appendLog(checkID, status, msg)
		metrics.ObserveCheck(string(status), time.Since(start), len(res.Records))
		log.Info("check finished with generative result, batch not persisted",
			zap.Int("records", len(res.Records)),
			zap.Duration("duration", time.Since(start)),
		)
		return res, nil
	}

	batch := gazette.Batch{CheckID: checkID, CheckedAt: res.CheckedAt, Records: res.Records}
	if err := w.store.SaveBatch(ctx, batch); err != nil {
		span.RecordError(err)
		w.appendLog(checkID, gazette.CheckFailure, "Falha ao salvar o resultado da verificação.")
		metrics.ObserveCheck(string(gazette.CheckFailure), time.Since(start), -1)
		return Result{}, fmt.Errorf("check %s: save batch: %w", checkID, err)
	}
	if res.NewEdition {
		w.acknowledge(res.Records[0].SourceURL)
	}

	res.SnapshotURI = w.exportSnapshot(ctx, batch, log)
	if res.NewEdition {
		w.announce(ctx, checkID, res.Records[0], log)
	}

	status, msg := describe(res)
	w.appendLog(checkID, status, msg)
	metrics.ObserveCheck(string(status), time.Since(start), len(res.Records))
	span.SetAttributes(
		attribute.String("check.strategy", res.Strategy),
		attribute.Int("check.records", len(res.Records)),
		attribute.Bool("check.new_edition", res.NewEdition),
	)
	log.Info("check finished",
		zap.String("status", string(status)),
		zap.String("strategy", res.Strategy),
		zap.Int("records", len(res.Records)),
		zap.Bool("new_edition", res.NewEdition),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// loadAcknowledged seeds the last seen URL from the store once per process.
func (w *Watcher) loadAcknowledged(ctx context.Context) error {
	w.mu.RLock()
	loaded := w.loaded
	w.mu.RUnlock()
	if loaded {
		return nil
	}
	batch, err := w.store.LatestBatch(ctx)
	if err != nil && !errors.Is(err, gazette.ErrNotFound) {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loaded = true
	if len(batch.Records) > 0 {
		w.lastURL = batch.Records[0].SourceURL
	}
	return nil
}

// markNewest flags the newest record when it differs from the acknowledged
// one. Generative records are never flagged.
func (w *Watcher) markNewest(records []gazette.Record, generative bool) bool {
	if len(records) == 0 || generative {
		return false
	}
	w.mu.RLock()
	last := w.lastURL
	w.mu.RUnlock()
	if records[0].SourceURL == last {
		return false
	}
	records[0].IsNewSinceLastCheck = true
	return true
}

func (w *Watcher) acknowledge(url string) {
	w.mu.Lock()
	w.lastURL = url
	w.mu.Unlock()
}

func (w *Watcher) exportSnapshot(ctx context.Context, batch gazette.Batch, log *zap.Logger) string {
	if w.blobs == nil {
		return ""
	}
	// Records only, so identical batches from different checks hash equal.
	fingerprint, err := json.Marshal(batch.Records)
	if err != nil {
		log.Warn("snapshot encoding failed", zap.Error(err))
		return ""
	}
	sum := sha256.Sum256(fingerprint)
	hash := hex.EncodeToString(sum[:])

	w.mu.RLock()
	unchanged := hash == w.snapshotHash
	w.mu.RUnlock()
	if unchanged {
		log.Debug("snapshot unchanged, skipping upload", zap.String("hash", hash))
		return ""
	}

	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		log.Warn("snapshot encoding failed", zap.Error(err))
		return ""
	}
	uri, err := w.blobs.PutObject(ctx, w.snapshotPath(), w.cfg.ContentType, data)
	if err != nil {
		log.Warn("snapshot upload failed", zap.Error(err))
		return ""
	}
	w.mu.Lock()
	w.snapshotHash = hash
	w.mu.Unlock()
	log.Debug("snapshot uploaded", zap.String("uri", uri), zap.String("hash", hash))
	return uri
}

func (w *Watcher) snapshotPath() string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return "latest.json"
	}
	return path.Join(prefix, "latest.json")
}

func (w *Watcher) announce(ctx context.Context, checkID string, rec gazette.Record, log *zap.Logger) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := gazette.NewEditionEvent{CheckID: checkID, Record: rec, SeenAt: w.clock.Now()}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		log.Warn("new edition notification failed", zap.Error(err))
		return
	}
	log.Info("new edition announced", zap.String("message_id", id), zap.String("url", rec.SourceURL))
}

func describe(res Result) (gazette.CheckStatus, string) {
	switch {
	case len(res.Records) == 0:
		return gazette.CheckInfo, "Nenhuma edição encontrada."
	case res.Generative:
		return gazette.CheckInfo, fmt.Sprintf("Resultado obtido por busca generativa (baixa confiança): %s", res.Records[0].Title)
	case res.NewEdition:
		return gazette.CheckSuccess, fmt.Sprintf("Nova edição encontrada: %s", res.Records[0].Title)
	default:
		return gazette.CheckNoChange, "Nenhuma edição nova desde a última verificação."
	}
}

func (w *Watcher) appendLog(checkID string, status gazette.CheckStatus, msg string) {
	entry := gazette.CheckLog{CheckID: checkID, Timestamp: w.clock.Now(), Status: status, Message: msg}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logs = append([]gazette.CheckLog{entry}, w.logs...)
	if len(w.logs) > w.cfg.LogSize {
		w.logs = w.logs[:w.cfg.LogSize]
	}
}
