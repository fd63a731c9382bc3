package model

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DeletionReasonNotFound marks a listing soft-deleted after exceeding the grace period.
const DeletionReasonNotFound = "not_found"

// ErrMissingListingID is returned for snapshot records without an external id.
var ErrMissingListingID = errors.New("listing_id is required")

// Tracked field names. Changes to these produce PriceHistory rows.
const (
	FieldPrice     = "price"
	FieldRent      = "rent"
	FieldTradeType = "trade_type"
	FieldArea      = "area"
	FieldFloor     = "floor"
	FieldTags      = "tags"
)

// DefaultTrackedFields lists every field that supports history tracking.
func DefaultTrackedFields() []string {
	return []string{FieldPrice, FieldRent, FieldTradeType, FieldArea, FieldFloor, FieldTags}
}

// ListingFields holds the mutable commercial attributes of a listing.
type ListingFields struct {
	Price     *float64 `json:"price,omitempty"`
	Rent      *float64 `json:"rent,omitempty"`
	TradeType string   `json:"trade_type,omitempty"`
	Area      *float64 `json:"area,omitempty"`
	Floor     string   `json:"floor,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// FieldValue is the comparable form of a tracked field.
// Text is nil when the field is unset. Number is set for numeric fields.
type FieldValue struct {
	Text   *string
	Number *float64
}

// Equal compares two field values by their text form.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.Text == nil || o.Text == nil {
		return v.Text == nil && o.Text == nil
	}
	return *v.Text == *o.Text
}

// Value returns the comparable value of the named field. ok is false for unknown names.
func (f ListingFields) Value(name string) (FieldValue, bool) {
	switch name {
	case FieldPrice:
		return numberValue(f.Price), true
	case FieldRent:
		return numberValue(f.Rent), true
	case FieldArea:
		return numberValue(f.Area), true
	case FieldTradeType:
		return textValue(f.TradeType), true
	case FieldFloor:
		return textValue(f.Floor), true
	case FieldTags:
		return textValue(strings.Join(f.Tags, ",")), true
	default:
		return FieldValue{}, false
	}
}

func numberValue(n *float64) FieldValue {
	if n == nil {
		return FieldValue{}
	}
	s := strconv.FormatFloat(*n, 'f', -1, 64)
	v := *n
	return FieldValue{Text: &s, Number: &v}
}

func textValue(s string) FieldValue {
	if s == "" {
		return FieldValue{}
	}
	return FieldValue{Text: &s}
}

// Listing is the durable record for one external listing.
// DeletedAt is non-nil exactly when IsActive is false.
type Listing struct {
	ListingID string `json:"listing_id" db:"listing_id"`
	TargetID  string `json:"target_id"  db:"target_id"`
	ListingFields
	Address         string          `json:"address,omitempty"         db:"address"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"     db:"raw_payload"`
	IsActive        bool            `json:"is_active"                 db:"is_active"`
	FirstSeenDate   time.Time       `json:"first_seen_date"           db:"first_seen_date"`
	LastSeenDate    time.Time       `json:"last_seen_date"            db:"last_seen_date"`
	MissStreak      int             `json:"miss_streak"               db:"miss_streak"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"      db:"deleted_at"`
	DeletionReason  *string         `json:"deletion_reason,omitempty" db:"deletion_reason"`
	NeedsEnrichment bool            `json:"needs_enrichment"          db:"needs_enrichment"`
	Latitude        *float64        `json:"latitude,omitempty"        db:"latitude"`
	Longitude       *float64        `json:"longitude,omitempty"       db:"longitude"`
	EnrichedAt      *time.Time      `json:"enriched_at,omitempty"     db:"enriched_at"`
	CreatedAt       time.Time       `json:"created_at"                db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"                db:"updated_at"`
}

// PriceHistory is one append-only record of a tracked field change.
type PriceHistory struct {
	ID            int64     `json:"id"                       db:"id"`
	ListingID     string    `json:"listing_id"               db:"listing_id"`
	FieldName     string    `json:"field_name"               db:"field_name"`
	PreviousValue *string   `json:"previous_value,omitempty" db:"previous_value"`
	NewValue      *string   `json:"new_value,omitempty"      db:"new_value"`
	ChangePercent *float64  `json:"change_percent,omitempty" db:"change_percent"`
	ChangedAt     time.Time `json:"changed_at"               db:"changed_at"`
}

// ListingListOptions filters listings for the admin surface.
type ListingListOptions struct {
	TargetID string
	Active   *bool
	Limit    int
	Offset   int
}

// GeoPoint is the result of a successful geocode.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
