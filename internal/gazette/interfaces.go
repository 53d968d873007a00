package gazette

import (
	"context"
	"time"
)

// Strategy obtains the listing page content through one transport.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, url string) (AcquisitionResult, error)
}

// Extractor turns listing markup into records.
type Extractor interface {
	Extract(markup string) ([]Record, error)
}

// TextExtractor fetches a document and returns its plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, url string) (string, error)
}

// Summarizer condenses gazette text. It never fails; on error it returns a
// human-readable placeholder.
type Summarizer interface {
	Summarize(ctx context.Context, text string) string
}

// Searcher runs a grounded web search.
type Searcher interface {
	Search(ctx context.Context, prompt string) (SearchResult, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BatchStore keeps only the most recent batch. LatestBatch returns
// ErrNotFound before the first save.
type BatchStore interface {
	SaveBatch(ctx context.Context, batch Batch) error
	LatestBatch(ctx context.Context) (Batch, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces check IDs.
type IDGenerator interface {
	NewID() (string, error)
}
