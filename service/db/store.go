package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/whalewatch/service/whale"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// pgErrUniqueViolation is the Postgres code for unique_violation.
const pgErrUniqueViolation = "23505"

// Store provides database operations for the service.
// Uniqueness of whale hashes and alert hashes is enforced by the schema;
// every method here treats a conflict as "already exists".
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewPool connects to Postgres and verifies the connection.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

const whaleColumns = `id, tx_hash, block_number, timestamp, from_address, to_address,
	value_eth::text, value_usd::text, gas_used, gas_price::text, priority_level,
	exchange_involved, ingest_id, source, created_at`

const alertColumns = `id, alert_type, priority, title, message, related_tx_hash,
	related_data::text, status, delivered, sent_at, error_message, processed_by,
	retry_count, created_at`

// InsertWhaleIfAbsent records a whale transaction unless one with the same
// hash already exists. The boolean is true only when a new row was written.
func (s *Store) InsertWhaleIfAbsent(ctx context.Context, params CreateWhaleParams) (*WhaleTransaction, bool, error) {
	if !params.Priority.Valid() {
		return nil, false, fmt.Errorf("invalid priority %q", params.Priority)
	}

	var valueUSD *string
	if params.ValueUSD.Valid {
		v := params.ValueUSD.Decimal.StringFixed(2)
		valueUSD = &v
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO whale_transactions (
			tx_hash, block_number, timestamp, from_address, to_address,
			value_eth, value_usd, gas_used, gas_price, priority_level,
			exchange_involved, ingest_id, source
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9::numeric, $10, $11, $12, $13)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING `+whaleColumns,
		params.TxHash, params.BlockNumber, params.Timestamp.UTC(), params.FromAddress, params.ToAddress,
		params.ValueETH.String(), valueUSD, params.GasUsed, params.GasPrice.String(), string(params.Priority),
		params.ExchangeInvolved, params.IngestID, params.Source,
	)

	w, err := scanWhale(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isDuplicateKeyError(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("insert whale %s: %w", params.TxHash, err)
	}
	return w, true, nil
}

// GetWhale retrieves a whale transaction by hash.
func (s *Store) GetWhale(ctx context.Context, txHash string) (*WhaleTransaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+whaleColumns+` FROM whale_transactions WHERE tx_hash = $1`, txHash)
	w, err := scanWhale(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get whale %s: %w", txHash, err)
	}
	return w, nil
}

// ListRecentWhales returns whales ingested at or after since with one of the
// given priorities, oldest first.
func (s *Store) ListRecentWhales(ctx context.Context, since time.Time, priorities []whale.Priority) ([]*WhaleTransaction, error) {
	levels := make([]string, len(priorities))
	for i, p := range priorities {
		levels[i] = string(p)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+whaleColumns+`
		FROM whale_transactions
		WHERE created_at >= $1 AND priority_level = ANY($2)
		ORDER BY created_at ASC, id ASC`,
		since.UTC(), levels,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent whales: %w", err)
	}
	return collectWhales(rows)
}

// ListWhales returns the most recent whales matching params, newest first.
func (s *Store) ListWhales(ctx context.Context, params ListWhalesParams) ([]*WhaleTransaction, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	var priority *string
	if params.Priority != "" {
		p := string(params.Priority)
		priority = &p
	}
	var since *time.Time
	if !params.Since.IsZero() {
		t := params.Since.UTC()
		since = &t
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+whaleColumns+`
		FROM whale_transactions
		WHERE ($1::text IS NULL OR priority_level = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		priority, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list whales: %w", err)
	}
	return collectWhales(rows)
}

// AlertExistsForHash reports whether an alert already references txHash.
func (s *Store) AlertExistsForHash(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alerts WHERE related_tx_hash = $1)`, txHash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alert for %s: %w", txHash, err)
	}
	return exists, nil
}

// InsertAlerts writes all alerts in one transaction. Alerts whose hash is
// already covered are skipped. Returns how many rows were created.
func (s *Store) InsertAlerts(ctx context.Context, alerts []CreateAlertParams) (int, error) {
	if len(alerts) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, a := range alerts {
		if !a.Priority.Valid() {
			return 0, fmt.Errorf("alert for %s: invalid priority %q", a.RelatedTxHash, a.Priority)
		}
		var relatedData *string
		if len(a.RelatedData) > 0 {
			v := string(a.RelatedData)
			relatedData = &v
		}
		var createdAt *time.Time
		if !a.CreatedAt.IsZero() {
			t := a.CreatedAt.UTC()
			createdAt = &t
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO alerts (alert_type, priority, title, message, related_tx_hash, related_data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, COALESCE($7::timestamptz, now()))
			ON CONFLICT (related_tx_hash) DO NOTHING`,
			a.AlertType, string(a.Priority), a.Title, a.Message, a.RelatedTxHash, relatedData, createdAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert alert for %s: %w", a.RelatedTxHash, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit alerts: %w", err)
	}
	return inserted, nil
}

// ListPendingAlerts returns pending alerts still under the retry ceiling,
// high priority first, then oldest first.
func (s *Store) ListPendingAlerts(ctx context.Context, maxRetry, limit int) ([]*Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE status = 'pending' AND retry_count < $1
		ORDER BY CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
		         created_at ASC, id ASC
		LIMIT $2`,
		maxRetry, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListAlerts returns the most recent alerts matching params, newest first.
func (s *Store) ListAlerts(ctx context.Context, params ListAlertsParams) ([]*Alert, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	var status *string
	if params.Status != "" {
		v := string(params.Status)
		status = &v
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return collectAlerts(rows)
}

// GetAlert retrieves an alert by id.
func (s *Store) GetAlert(ctx context.Context, id int64) (*Alert, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get alert %d: %w", id, err)
	}
	return a, nil
}

// UpdateAlertStatus applies a single delivery outcome.
func (s *Store) UpdateAlertStatus(ctx context.Context, u AlertStatusUpdate) error {
	applied, err := s.UpdateAlertStatuses(ctx, []AlertStatusUpdate{u})
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAlertStatuses applies a batch of delivery outcomes atomically.
// Only pending alerts are touched and retry_count never moves backwards,
// so a stale update is silently ignored. Returns the ids actually changed.
func (s *Store) UpdateAlertStatuses(ctx context.Context, updates []AlertStatusUpdate) ([]int64, error) {
	if len(updates) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var applied []int64
	for _, u := range updates {
		tag, err := tx.Exec(ctx, `
			UPDATE alerts
			SET status = $2, delivered = $3, sent_at = $4, error_message = $5,
			    processed_by = $6, retry_count = $7
			WHERE id = $1 AND status = 'pending' AND retry_count <= $7`,
			u.ID, string(u.Status), u.Delivered, pgTimestamptzFromPtr(u.SentAt),
			pgtextFromStringPtr(u.ErrorMessage), u.ProcessedBy, u.RetryCount,
		)
		if err != nil {
			return nil, fmt.Errorf("update alert %d: %w", u.ID, err)
		}
		if tag.RowsAffected() > 0 {
			applied = append(applied, u.ID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit alert updates: %w", err)
	}
	return applied, nil
}

// DeleteAlertsOlderThan removes alerts created before cutoff, whatever their status.
func (s *Store) DeleteAlertsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete alerts older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// CountAlertsByStatus returns the number of alerts per status.
func (s *Store) CountAlertsByStatus(ctx context.Context) (map[AlertStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM alerts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[AlertStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[AlertStatus(status)] = n
	}
	return counts, rows.Err()
}

// Helpers

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

func scanWhale(row pgx.Row) (*WhaleTransaction, error) {
	var (
		w                  WhaleTransaction
		valueETH, gasPrice string
		valueUSD           pgtype.Text
		priority           string
	)
	err := row.Scan(
		&w.ID, &w.TxHash, &w.BlockNumber, &w.Timestamp, &w.FromAddress, &w.ToAddress,
		&valueETH, &valueUSD, &w.GasUsed, &gasPrice, &priority,
		&w.ExchangeInvolved, &w.IngestID, &w.Source, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if w.ValueETH, err = decimal.NewFromString(valueETH); err != nil {
		return nil, fmt.Errorf("parse value_eth %q: %w", valueETH, err)
	}
	if w.GasPrice, err = decimal.NewFromString(gasPrice); err != nil {
		return nil, fmt.Errorf("parse gas_price %q: %w", gasPrice, err)
	}
	if valueUSD.Valid {
		usd, err := decimal.NewFromString(valueUSD.String)
		if err != nil {
			return nil, fmt.Errorf("parse value_usd %q: %w", valueUSD.String, err)
		}
		w.ValueUSD = decimal.NewNullDecimal(usd)
	}
	w.Priority = whale.Priority(priority)
	return &w, nil
}

func collectWhales(rows pgx.Rows) ([]*WhaleTransaction, error) {
	defer rows.Close()

	var out []*WhaleTransaction
	for rows.Next() {
		w, err := scanWhale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanAlert(row pgx.Row) (*Alert, error) {
	var (
		a                         Alert
		priority, status          string
		relatedData               pgtype.Text
		sentAt                    pgtype.Timestamptz
		errorMessage, processedBy pgtype.Text
	)
	err := row.Scan(
		&a.ID, &a.AlertType, &priority, &a.Title, &a.Message, &a.RelatedTxHash,
		&relatedData, &status, &a.Delivered, &sentAt, &errorMessage, &processedBy,
		&a.RetryCount, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Priority = whale.Priority(priority)
	a.Status = AlertStatus(status)
	if relatedData.Valid {
		a.RelatedData = []byte(relatedData.String)
	}
	a.SentAt = timePtrFromPgTimestamptz(sentAt)
	a.ErrorMessage = stringPtrFromPgtext(errorMessage)
	a.ProcessedBy = stringPtrFromPgtext(processedBy)
	return &a, nil
}

func collectAlerts(rows pgx.Rows) ([]*Alert, error) {
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgTimestamptzFromPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
