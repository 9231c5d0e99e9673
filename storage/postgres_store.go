package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"realtor-tracker/models"
)

// PostgresStore persists listings and daily stats in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("postgres: ping: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	ps := &PostgresStore{db: db}
	if err := ps.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return ps, nil
}

func (ps *PostgresStore) migrate(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			mls_number  TEXT        PRIMARY KEY,
			price       BIGINT      NOT NULL DEFAULT 0,
			address     TEXT        NOT NULL DEFAULT '',
			kind        VARCHAR(8)  NOT NULL,
			details     JSONB       NOT NULL DEFAULT '{}',
			first_seen  DATE        NOT NULL,
			last_seen   DATE        NOT NULL,
			status      VARCHAR(8)  NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (first_seen <= last_seen)
		);

		CREATE INDEX IF NOT EXISTS idx_listings_status     ON listings(status);
		CREATE INDEX IF NOT EXISTS idx_listings_first_seen ON listings(first_seen);

		CREATE TABLE IF NOT EXISTS daily_stats (
			date          DATE    PRIMARY KEY,
			new_listings  INTEGER NOT NULL DEFAULT 0,
			sold_count    INTEGER NOT NULL DEFAULT 0,
			total_active  INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// listingRow is the flat shape of a listings row.
type listingRow struct {
	Key       string `db:"mls_number"`
	Price     int64  `db:"price"`
	Address   string `db:"address"`
	Kind      string `db:"kind"`
	Details   []byte `db:"details"`
	FirstSeen string `db:"first_seen"`
	LastSeen  string `db:"last_seen"`
	Status    string `db:"status"`
}

func (r listingRow) record() (*models.ListingRecord, error) {
	rec := &models.ListingRecord{
		Key: models.ListingKey(r.Key),
		ListingAttributes: models.ListingAttributes{
			Price:   r.Price,
			Address: r.Address,
			Kind:    models.TransactionKind(r.Kind),
		},
		FirstSeen: models.Date(r.FirstSeen),
		LastSeen:  models.Date(r.LastSeen),
		Status:    models.Status(r.Status),
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &rec.Details); err != nil {
			return nil, fmt.Errorf("postgres: decode details of %s: %w", r.Key, err)
		}
	}
	return rec, nil
}

const selectListings = `
	SELECT mls_number, price, address, kind, details,
	       to_char(first_seen, 'YYYY-MM-DD') AS first_seen,
	       to_char(last_seen, 'YYYY-MM-DD')  AS last_seen,
	       status
	FROM listings`

func (ps *PostgresStore) GetAllRecords(ctx context.Context) ([]*models.ListingRecord, error) {
	var rows []listingRow
	if err := ps.db.SelectContext(ctx, &rows, selectListings+" ORDER BY first_seen, mls_number"); err != nil {
		return nil, fmt.Errorf("postgres: fetch all: %w", err)
	}

	out := make([]*models.ListingRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (ps *PostgresStore) GetActiveKeys(ctx context.Context) (models.KeySet, error) {
	var keys []string
	if err := ps.db.SelectContext(ctx, &keys, `SELECT mls_number FROM listings WHERE status = $1`, models.StatusActive); err != nil {
		return nil, fmt.Errorf("postgres: fetch active keys: %w", err)
	}
	set := make(models.KeySet, len(keys))
	for _, k := range keys {
		set.Add(models.ListingKey(k))
	}
	return set, nil
}

// InsertBatch inserts records 50 at a time; existing keys are left untouched.
func (ps *PostgresStore) InsertBatch(ctx context.Context, records []*models.ListingRecord) error {
	const batchSize = 50
	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		if err := ps.insertBatch(ctx, records[i:end]); err != nil {
			return fmt.Errorf("postgres: insert batch: %w", err)
		}
	}
	return nil
}

func (ps *PostgresStore) insertBatch(ctx context.Context, batch []*models.ListingRecord) error {
	const cols = 8
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*cols)

	for idx, r := range batch {
		details, err := json.Marshal(r.Details)
		if err != nil {
			return fmt.Errorf("encode details of %s: %w", r.Key, err)
		}
		base := idx * cols
		valueStrings = append(valueStrings,
			fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		valueArgs = append(valueArgs,
			string(r.Key), r.Price, r.Address, string(r.Kind), string(details),
			string(r.FirstSeen), string(r.LastSeen), string(r.Status))
	}

	query := fmt.Sprintf(`
		INSERT INTO listings (mls_number, price, address, kind, details, first_seen, last_seen, status)
		VALUES %s
		ON CONFLICT (mls_number) DO NOTHING
	`, strings.Join(valueStrings, ","))

	_, err := ps.db.ExecContext(ctx, query, valueArgs...)
	return err
}

func (ps *PostgresStore) UpdateFields(ctx context.Context, key models.ListingKey, update models.ListingUpdate) error {
	query, args, err := buildUpdate(key, update)
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", key, err)
	}
	if query == "" {
		return nil
	}

	res, err := ps.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// buildUpdate renders the partial update as a single UPDATE statement.
func buildUpdate(key models.ListingKey, u models.ListingUpdate) (string, []interface{}, error) {
	var sets []string
	var args []interface{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.LastSeen != nil {
		add("last_seen", string(*u.LastSeen))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Attributes != nil {
		details, err := json.Marshal(u.Attributes.Details)
		if err != nil {
			return "", nil, err
		}
		add("price", u.Attributes.Price)
		add("address", u.Attributes.Address)
		add("kind", string(u.Attributes.Kind))
		add("details", string(details))
	}
	if len(sets) == 0 {
		return "", nil, nil
	}

	sets = append(sets, "updated_at = NOW()")
	args = append(args, string(key))
	query := fmt.Sprintf("UPDATE listings SET %s WHERE mls_number = $%d", strings.Join(sets, ", "), len(args))
	return query, args, nil
}

func (ps *PostgresStore) UpsertDailyStat(ctx context.Context, stat models.DailyStat) error {
	_, err := ps.db.NamedExecContext(ctx, `
		INSERT INTO daily_stats (date, new_listings, sold_count, total_active)
		VALUES (:date, :new_listings, :sold_count, :total_active)
		ON CONFLICT (date) DO UPDATE SET
			new_listings = EXCLUDED.new_listings,
			sold_count   = EXCLUDED.sold_count,
			total_active = EXCLUDED.total_active
	`, stat)
	if err != nil {
		return fmt.Errorf("postgres: upsert daily stat %s: %w", stat.Date, err)
	}
	return nil
}

func (ps *PostgresStore) GetDailyStats(ctx context.Context, limit int) ([]models.DailyStat, error) {
	query := `
		SELECT to_char(date, 'YYYY-MM-DD') AS date, new_listings, sold_count, total_active
		FROM daily_stats
		ORDER BY date DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	var stats []models.DailyStat
	if err := ps.db.SelectContext(ctx, &stats, query, args...); err != nil {
		return nil, fmt.Errorf("postgres: fetch daily stats: %w", err)
	}
	return stats, nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}
