package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/target/listingsync/internal/core"
	"github.com/target/listingsync/internal/data/pgxutil"
	"github.com/target/listingsync/internal/domain/model"
)

// lookupChunkSize bounds the id array of a single GetListings query.
const lookupChunkSize = 1000

const listingColumns = `
  listing_id,
  target_id,
  price,
  rent,
  trade_type,
  area,
  floor,
  tags,
  address,
  raw_payload,
  is_active,
  first_seen_date,
  last_seen_date,
  miss_streak,
  deleted_at,
  deletion_reason,
  needs_enrichment,
  latitude,
  longitude,
  enriched_at,
  created_at,
  updated_at
`

// ListingRepo persists listings and their field history. Every write is an
// upsert or an append; listings are soft-deleted, never removed.
type ListingRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewListingRepo creates a ListingRepo.
func NewListingRepo(db *sql.DB, logger *slog.Logger) *ListingRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListingRepo{DB: db, logger: logger.With("component", "listing_repo")}
}

var _ core.ListingRepository = (*ListingRepo)(nil)

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var tags []string
	var raw []byte
	if err := row.Scan(
		&l.ListingID, &l.TargetID,
		&l.Price, &l.Rent, &l.TradeType, &l.Area, &l.Floor, &tags,
		&l.Address, &raw, &l.IsActive,
		&l.FirstSeenDate, &l.LastSeenDate, &l.MissStreak,
		&l.DeletedAt, &l.DeletionReason, &l.NeedsEnrichment,
		&l.Latitude, &l.Longitude, &l.EnrichedAt,
		&l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		l.Tags = tags
	}
	if len(raw) > 0 {
		l.RawPayload = raw
	}
	return &l, nil
}

func (r *ListingRepo) queryListings(ctx context.Context, query string, args ...any) ([]*model.Listing, error) {
	var out []*model.Listing
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			l, err := scanListing(rows)
			if err != nil {
				return err
			}
			out = append(out, l)
		}
		return rows.Err()
	})
	return out, err
}

// GetListings loads the listings with the given ids, keyed by listing_id.
// Missing ids are simply absent from the map.
func (r *ListingRepo) GetListings(ctx context.Context, listingIDs []string) (map[string]*model.Listing, error) {
	out := make(map[string]*model.Listing, len(listingIDs))
	query := `SELECT ` + listingColumns + ` FROM listings WHERE listing_id = ANY($1)`
	for start := 0; start < len(listingIDs); start += lookupChunkSize {
		end := min(start+lookupChunkSize, len(listingIDs))
		ls, err := r.queryListings(ctx, query, listingIDs[start:end])
		if err != nil {
			return nil, fmt.Errorf("get listings: %w", err)
		}
		for _, l := range ls {
			out[l.ListingID] = l
		}
	}
	return out, nil
}

// AppendHistory inserts history rows in one transaction.
func (r *ListingRepo) AppendHistory(ctx context.Context, rows []model.PriceHistory) error {
	if len(rows) == 0 {
		return nil
	}
	const query = `
		INSERT INTO price_history (listing_id, field_name, previous_value, new_value, change_percent, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	return pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, h := range rows {
				batch.Queue(query, h.ListingID, h.FieldName, h.PreviousValue, h.NewValue, h.ChangePercent, h.ChangedAt)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("append history: %w", err)
			}
			return nil
		},
	})
}

// UpsertListing inserts or updates one listing. first_seen_date and created_at
// are kept from the existing row, and last_seen_date never moves backwards.
func (r *ListingRepo) UpsertListing(ctx context.Context, l *model.Listing) error {
	if l == nil || l.ListingID == "" {
		return model.ErrMissingListingID
	}
	const query = `
		INSERT INTO listings (
			listing_id, target_id, price, rent, trade_type, area, floor, tags, address, raw_payload,
			is_active, first_seen_date, last_seen_date, miss_streak, deleted_at, deletion_reason,
			needs_enrichment, latitude, longitude, enriched_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, now(), now()
		)
		ON CONFLICT (listing_id) DO UPDATE SET
			target_id = EXCLUDED.target_id,
			price = EXCLUDED.price,
			rent = EXCLUDED.rent,
			trade_type = EXCLUDED.trade_type,
			area = EXCLUDED.area,
			floor = EXCLUDED.floor,
			tags = EXCLUDED.tags,
			address = EXCLUDED.address,
			raw_payload = COALESCE(EXCLUDED.raw_payload, listings.raw_payload),
			is_active = EXCLUDED.is_active,
			last_seen_date = GREATEST(listings.last_seen_date, EXCLUDED.last_seen_date),
			miss_streak = EXCLUDED.miss_streak,
			deleted_at = EXCLUDED.deleted_at,
			deletion_reason = EXCLUDED.deletion_reason,
			needs_enrichment = EXCLUDED.needs_enrichment,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			enriched_at = EXCLUDED.enriched_at,
			updated_at = now()`

	tags := l.Tags
	if tags == nil {
		tags = []string{}
	}
	var raw []byte
	if len(l.RawPayload) > 0 {
		raw = l.RawPayload
	}

	return pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, query,
			l.ListingID, l.TargetID, l.Price, l.Rent, l.TradeType, l.Area, l.Floor, tags, l.Address, raw,
			l.IsActive, l.FirstSeenDate, l.LastSeenDate, l.MissStreak, l.DeletedAt, l.DeletionReason,
			l.NeedsEnrichment, l.Latitude, l.Longitude, l.EnrichedAt,
		); err != nil {
			return fmt.Errorf("upsert listing %s: %w", l.ListingID, err)
		}
		return nil
	})
}

// ListActiveByTarget returns every active listing of a target.
func (r *ListingRepo) ListActiveByTarget(ctx context.Context, targetID string) ([]*model.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE target_id = $1 AND is_active ORDER BY listing_id`
	out, err := r.queryListings(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("list active listings: %w", err)
	}
	return out, nil
}

// ApplyAbsence writes the miss-streak and soft-delete updates of one pass in a
// single transaction. Rows that were reactivated or already deleted in the
// meantime are left alone.
func (r *ListingRepo) ApplyAbsence(ctx context.Context, updates []*model.Listing) error {
	if len(updates) == 0 {
		return nil
	}
	const query = `
		UPDATE listings
		SET miss_streak = $2,
		    is_active = $3,
		    deleted_at = $4,
		    deletion_reason = $5,
		    updated_at = now()
		WHERE listing_id = $1 AND is_active`

	return pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, l := range updates {
				batch.Queue(query, l.ListingID, l.MissStreak, l.IsActive, l.DeletedAt, l.DeletionReason)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("apply absence: %w", err)
			}
			return nil
		},
	})
}

// GetByID returns one listing or ErrListingNotFound.
func (r *ListingRepo) GetByID(ctx context.Context, listingID string) (*model.Listing, error) {
	m, err := r.GetListings(ctx, []string{listingID})
	if err != nil {
		return nil, err
	}
	l, ok := m[listingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	return l, nil
}

// List returns listings of a target ordered by listing_id, optionally filtered
// by active state.
func (r *ListingRepo) List(ctx context.Context, opts model.ListingListOptions) ([]*model.Listing, error) {
	if opts.TargetID == "" {
		return nil, errors.New("target id is required")
	}
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE target_id = $1 AND ($2::boolean IS NULL OR is_active = $2)
		ORDER BY listing_id
		LIMIT $3 OFFSET $4`
	out, err := r.queryListings(ctx, query, opts.TargetID, opts.Active, clampLimit(opts.Limit), max(opts.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	return out, nil
}

// History returns the newest history rows of a listing first.
func (r *ListingRepo) History(ctx context.Context, listingID string, limit int) ([]model.PriceHistory, error) {
	const query = `
		SELECT id, listing_id, field_name, previous_value, new_value, change_percent, changed_at
		FROM price_history
		WHERE listing_id = $1
		ORDER BY changed_at DESC, id DESC
		LIMIT $2`

	var out []model.PriceHistory
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, listingID, clampLimit(limit))
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PriceHistory, error) {
			var h model.PriceHistory
			err := row.Scan(&h.ID, &h.ListingID, &h.FieldName, &h.PreviousValue, &h.NewValue, &h.ChangePercent, &h.ChangedAt)
			return h, err
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return out, nil
}

// ListNeedingEnrichment returns active listings of a target still waiting for geocoding.
func (r *ListingRepo) ListNeedingEnrichment(ctx context.Context, targetID string, limit int) ([]*model.Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE target_id = $1 AND needs_enrichment AND is_active AND address <> ''
		ORDER BY updated_at ASC
		LIMIT $2`
	out, err := r.queryListings(ctx, query, targetID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list listings needing enrichment: %w", err)
	}
	return out, nil
}

// SetEnrichment stores coordinates, or flags the listing for a later retry when
// u.Point is nil. It is the one listing write outside reconcile and touches
// only the enrichment columns and updated_at; callers run it inside the crawl
// job that holds the target.
func (r *ListingRepo) SetEnrichment(ctx context.Context, u core.EnrichmentUpdate) error {
	var (
		res sql.Result
		err error
	)
	if u.Point == nil {
		res, err = r.DB.ExecContext(ctx,
			`UPDATE listings SET needs_enrichment = TRUE, updated_at = now() WHERE listing_id = $1`,
			u.ListingID)
	} else {
		res, err = r.DB.ExecContext(ctx, `
			UPDATE listings
			SET latitude = $2, longitude = $3, enriched_at = $4, needs_enrichment = FALSE, updated_at = now()
			WHERE listing_id = $1`,
			u.ListingID, u.Point.Latitude, u.Point.Longitude, u.At)
	}
	if err != nil {
		return fmt.Errorf("set enrichment for %s: %w", u.ListingID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrListingNotFound
	}
	return nil
}
