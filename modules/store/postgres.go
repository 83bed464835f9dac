package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/support-relay/domain/support"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id          BIGSERIAL PRIMARY KEY,
	message_id  VARCHAR(128) NOT NULL UNIQUE,
	sender_id   VARCHAR(128) NOT NULL DEFAULT '',
	receiver_id VARCHAR(128) NOT NULL DEFAULT '',
	driver_id   VARCHAR(128) NOT NULL DEFAULT '',
	customer_id VARCHAR(128) NOT NULL DEFAULT '',
	text        TEXT NOT NULL DEFAULT '',
	sender_type VARCHAR(16) NOT NULL CHECK (sender_type IN ('user', 'support', 'admin', 'customer')),
	"timestamp" TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_driver_ts ON messages (driver_id, "timestamp");
CREATE INDEX IF NOT EXISTS idx_messages_customer_ts ON messages (customer_id, "timestamp");

CREATE TABLE IF NOT EXISTS media_uploads (
	id          BIGSERIAL PRIMARY KEY,
	message_id  VARCHAR(128) NOT NULL REFERENCES messages (message_id) ON DELETE CASCADE,
	driver_id   VARCHAR(128) NOT NULL DEFAULT '',
	file_name   VARCHAR(255) NOT NULL DEFAULT '',
	file_url    TEXT NOT NULL,
	media_type  VARCHAR(16) NOT NULL CHECK (media_type IN ('image', 'video', 'gif', 'audio', 'file')),
	file_size   BIGINT NOT NULL DEFAULT 0,
	mime_type   VARCHAR(128) NOT NULL DEFAULT '',
	duration    DOUBLE PRECISION,
	"timestamp" TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_media_uploads_message_id ON media_uploads (message_id);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to databaseURL, capping the pool at maxConns, and
// creates the schema if it is missing.
func OpenPostgres(ctx context.Context, databaseURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

// DeleteMessage removes a message. Attachments go with it through ON DELETE CASCADE.
func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID, affiliationID string) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if affiliationID == "" {
		tag, err = s.pool.Exec(ctx, `DELETE FROM messages WHERE message_id = $1`, messageID)
	} else {
		tag, err = s.pool.Exec(ctx,
			`DELETE FROM messages WHERE message_id = $1 AND (driver_id = $2 OR customer_id = $2)`,
			messageID, affiliationID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to delete message: %w", classifyPgError(err))
	}
	return tag.RowsAffected(), nil
}

// MessagesByAffiliation returns a page of history, oldest first.
func (s *PostgresStore) MessagesByAffiliation(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	q = q.Normalize()
	page := HistoryPage{Page: q.Page, Limit: q.Limit, Messages: []support.Message{}}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE driver_id = $1 OR customer_id = $1`,
		q.AffiliationID,
	).Scan(&page.Total); err != nil {
		return HistoryPage{}, fmt.Errorf("failed to count messages: %w", err)
	}

	query := `SELECT message_id, sender_id, receiver_id, driver_id, customer_id, text, sender_type, "timestamp"
		FROM messages WHERE driver_id = $1 OR customer_id = $1
		ORDER BY "timestamp" ASC, id ASC`
	args := []any{q.AffiliationID}
	if q.Limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, q.Limit, q.Offset())
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("failed to query messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (support.Message, error) {
		var (
			m          support.Message
			senderType string
		)
		err := row.Scan(&m.MessageID, &m.SenderConnectionID, &m.ReceiverTarget,
			&m.DriverAffiliation, &m.CustomerAffiliation, &m.Text, &senderType, &m.Timestamp)
		m.SenderRole = support.SenderRole(senderType)
		m.Timestamp = m.Timestamp.UTC()
		m.Attachments = []support.Attachment{}
		return m, err
	})
	if err != nil {
		return HistoryPage{}, fmt.Errorf("failed to scan messages: %w", err)
	}
	if len(msgs) == 0 {
		return page, nil
	}

	ids := make([]string, len(msgs))
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
		index[m.MessageID] = i
	}

	rows, err = s.pool.Query(ctx,
		`SELECT message_id, file_name, file_url, media_type, file_size, mime_type, duration
		FROM media_uploads WHERE message_id = ANY($1) ORDER BY id ASC`, ids)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			messageID string
			mediaType string
			a         support.Attachment
		)
		if err := rows.Scan(&messageID, &a.FileName, &a.FileURL, &mediaType, &a.FileSize, &a.MimeType, &a.Duration); err != nil {
			return HistoryPage{}, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.Type = support.MediaType(mediaType)
		if i, ok := index[messageID]; ok {
			msgs[i].Attachments = append(msgs[i].Attachments, a)
		}
	}
	if err := rows.Err(); err != nil {
		return HistoryPage{}, fmt.Errorf("failed to read attachments: %w", err)
	}

	page.Messages = msgs
	return page, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertMessageIfAbsent(ctx context.Context, msg support.Message) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO messages (message_id, sender_id, receiver_id, driver_id, customer_id, text, sender_type, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.SenderConnectionID, msg.ReceiverTarget, msg.DriverAffiliation,
		msg.CustomerAffiliation, msg.Text, string(msg.SenderRole), msg.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertAttachment(ctx context.Context, messageID, affiliationID string, a support.Attachment, ts time.Time) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO media_uploads (message_id, driver_id, file_name, file_url, media_type, file_size, mime_type, duration, "timestamp")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		messageID, affiliationID, a.FileName, a.FileURL, string(a.Type), a.FileSize, a.MimeType, a.Duration, ts)
	if err != nil {
		return fmt.Errorf("failed to insert attachment: %w", err)
	}
	return nil
}

// classifyPgError marks data exceptions (class 22) and integrity
// violations (class 23) as permanent.
func classifyPgError(err error) error {
	if errors.Is(err, ErrPermanent) {
		return err
	}
	if errors.Is(err, support.ErrInvalidMessage) {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return err
}
