// Package gazette defines the types shared by the acquisition pipeline.
package gazette

import "time"

// Mode tells the driver whether a result still needs extraction.
type Mode string

// Acquisition result modes.
const (
	ModeStructured Mode = "structured"
	ModeRaw        Mode = "raw"
)

// Record is one discovered Diário Oficial edition.
type Record struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	SourceURL           string    `json:"source_url"`
	PublicationDate     string    `json:"publication_date"`
	EditionLabel        string    `json:"edition_label"`
	ContentSummary      string    `json:"content_summary"`
	DiscoveredAt        time.Time `json:"discovered_at"`
	IsNewSinceLastCheck bool      `json:"is_new_since_last_check"`
}

// AcquisitionResult is what one orchestrator invocation produced.
// Structured results carry Records; raw results carry Content.
type AcquisitionResult struct {
	Mode      Mode      `json:"mode"`
	Records   []Record  `json:"records,omitempty"`
	Content   string    `json:"content,omitempty"`
	Strategy  string    `json:"strategy"`
	FetchedAt time.Time `json:"fetched_at"`
	// Generative is set when the records came from the search fallback.
	Generative bool `json:"generative,omitempty"`
}

// Citation is a grounding source returned by the search collaborator.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// SearchResult is the answer of a grounded web search.
type SearchResult struct {
	Citations []Citation
	FreeText  string
}

// CheckStatus classifies a watcher log entry.
type CheckStatus string

// Check log statuses.
const (
	CheckSuccess  CheckStatus = "SUCCESS"
	CheckNoChange CheckStatus = "NO_CHANGE"
	CheckFailure  CheckStatus = "FAILURE"
	CheckInfo     CheckStatus = "INFO"
)

// CheckLog is one line of the watcher's recent activity.
type CheckLog struct {
	CheckID   string      `json:"check_id"`
	Timestamp time.Time   `json:"timestamp"`
	Status    CheckStatus `json:"status"`
	Message   string      `json:"message"`
}

// Batch is the latest persisted set of records.
type Batch struct {
	CheckID   string    `json:"check_id"`
	CheckedAt time.Time `json:"checked_at"`
	Records   []Record  `json:"records"`
}

// NewEditionEvent is published when the newest record changes.
type NewEditionEvent struct {
	CheckID string    `json:"check_id"`
	Record  Record    `json:"record"`
	SeenAt  time.Time `json:"seen_at"`
}
