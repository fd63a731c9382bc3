package model

import (
	"encoding/json"
	"strings"
	"time"
)

// CrawlTarget describes what a crawl collaborator should fetch.
type CrawlTarget struct {
	JobID    string          `json:"job_id"`
	TargetID string          `json:"target_id"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// SnapshotRecord is one listing as observed by a crawl.
type SnapshotRecord struct {
	ListingID string `json:"listing_id"`
	ListingFields
	Address    string          `json:"address,omitempty"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// Validate reports whether the record carries the required key.
func (r SnapshotRecord) Validate() error {
	if strings.TrimSpace(r.ListingID) == "" {
		return ErrMissingListingID
	}
	return nil
}

// CrawlDiagnostics reports how a crawl went, independent of its records.
type CrawlDiagnostics struct {
	PagesFetched int      `json:"pages_fetched"`
	PagesFailed  int      `json:"pages_failed"`
	RecordsSeen  int      `json:"records_seen"`
	Notes        []string `json:"notes,omitempty"`
}

// Snapshot is the full or partial set of records from one crawl of one target.
// IsComplete is true only when every page was fetched without partial failure.
type Snapshot struct {
	Records     []SnapshotRecord `json:"records"`
	IsComplete  bool             `json:"is_complete"`
	Diagnostics CrawlDiagnostics `json:"diagnostics"`
}

// ReconcileSummary counts the outcome of one reconciliation pass.
// Every accepted record lands in exactly one of New, Reactivated, UpdatedWithHistory
// or Unchanged. Rejected counts malformed records that were skipped.
type ReconcileSummary struct {
	TargetID           string `json:"target_id"`
	New                int    `json:"new"`
	Unchanged          int    `json:"unchanged"`
	UpdatedWithHistory int    `json:"updated_with_history"`
	Reactivated        int    `json:"reactivated"`
	NewlyInactive      int    `json:"newly_inactive"`
	Rejected           int    `json:"rejected"`
	MissIncremented    int    `json:"miss_incremented"`
	HistoryRows        int    `json:"history_rows"`
	QualityWarning     bool   `json:"quality_warning"`
}

// Accepted returns the number of records that were upserted.
func (s ReconcileSummary) Accepted() int {
	return s.New + s.Unchanged + s.UpdatedWithHistory + s.Reactivated
}

// JSON encodes the summary for storage.
func (s ReconcileSummary) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// ReconcilePass is the append-only ledger row written for each pass.
type ReconcilePass struct {
	ID          int64            `json:"id"`
	JobID       *string          `json:"job_id,omitempty"`
	TargetID    string           `json:"target_id"`
	Summary     ReconcileSummary `json:"summary"`
	Diagnostics CrawlDiagnostics `json:"diagnostics"`
	IsComplete  bool             `json:"is_complete"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
}
