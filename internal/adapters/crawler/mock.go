package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/target/listingsync/internal/domain/job"
	"github.com/target/listingsync/internal/domain/model"
)

// MockOptions configures Mock.
type MockOptions struct {
	// Listings is the default number of listings served per target.
	Listings int
}

// Mock serves deterministic snapshots derived from the target id. Job params
// can shape a pass:
//
//	{"listings": 10, "incomplete": true, "fail": "transient", "price_shift": 5}
//
// "fail" accepts "transient" or "permanent". "price_shift" adds a percentage to
// every price so repeated passes produce history rows.
type Mock struct {
	listings int
}

// NewMock constructs a Mock crawler.
func NewMock(opts MockOptions) *Mock {
	return &Mock{listings: max(opts.Listings, 0)}
}

type mockParams struct {
	Listings   *int    `json:"listings"`
	Incomplete bool    `json:"incomplete"`
	Fail       string  `json:"fail"`
	PriceShift float64 `json:"price_shift"`
}

// ErrMockFailure is returned when params request a failure.
var ErrMockFailure = errors.New("mock crawler failure requested")

// Crawl implements core.Crawler.
func (m *Mock) Crawl(ctx context.Context, target model.CrawlTarget) (model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, job.Transient("crawl", err)
	}
	var p mockParams
	if len(target.Params) > 0 {
		if err := json.Unmarshal(target.Params, &p); err != nil {
			return model.Snapshot{}, job.Permanent("params", err)
		}
	}
	switch p.Fail {
	case "":
	case "permanent":
		return model.Snapshot{}, job.Permanent("crawl", job.ErrTargetNotFound)
	default:
		return model.Snapshot{}, job.Transient("crawl", ErrMockFailure)
	}

	n := m.listings
	if p.Listings != nil {
		n = max(*p.Listings, 0)
	}
	served := n
	if p.Incomplete {
		served = n / 2
	}

	recs := make([]model.SnapshotRecord, 0, served)
	for i := range served {
		recs = append(recs, mockRecord(target.TargetID, i, p.PriceShift))
	}

	snap := model.Snapshot{
		Records:    recs,
		IsComplete: !p.Incomplete,
		Diagnostics: model.CrawlDiagnostics{
			PagesFetched: 1,
			RecordsSeen:  served,
		},
	}
	if p.Incomplete {
		snap.Diagnostics.PagesFailed = 1
		snap.Diagnostics.Notes = []string{"mock: second page withheld"}
	}
	return snap, nil
}

func mockRecord(targetID string, i int, shift float64) model.SnapshotRecord {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%d", targetID, i)
	seed := h.Sum32()

	price := float64(10000+seed%90000) * (1 + shift/100)
	area := float64(20 + seed%130)
	trade := "sale"
	if seed%3 == 0 {
		trade = "rent"
	}
	rec := model.SnapshotRecord{
		ListingID: fmt.Sprintf("%s-%04d", targetID, i),
		ListingFields: model.ListingFields{
			Price:     &price,
			TradeType: trade,
			Area:      &area,
			Floor:     strconv.FormatUint(uint64(1+seed%25), 10),
		},
	}
	if seed%4 != 0 {
		rec.Address = fmt.Sprintf("%d Mock Street, %s", 1+seed%500, targetID)
	}
	rec.RawPayload, _ = json.Marshal(map[string]any{"id": rec.ListingID, "seed": seed})
	return rec
}
