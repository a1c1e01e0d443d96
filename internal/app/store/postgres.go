package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// NewPool initializes a PostgreSQL connection pool and applies pending migrations.
func NewPool(dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := runMigrations(sqlDB); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// runMigrations applies all pending migrations from the embedded file system.
func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// Postgres is the ChatStore backed by PostgreSQL via pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an initialized connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const messageColumns = `id, sender_id, receiver_id, body, food_id, client_token, created_at, read_at`

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m           Message
		foodID      sql.NullInt64
		clientToken sql.NullString
		readAt      sql.NullTime
	)

	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &foodID, &clientToken, &m.CreatedAt, &readAt)
	if err != nil {
		return Message{}, err
	}

	if foodID.Valid {
		m.FoodID = &foodID.Int64
	}
	if clientToken.Valid {
		m.ClientToken = clientToken.String
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}

	return m, nil
}

// Append implements ChatStore.
func (s *Postgres) Append(ctx context.Context, msg *Message) (Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	query := `
		INSERT INTO chat_messages (id, conversation_key, sender_id, receiver_id, body, food_id, client_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), COALESCE($8, now()))
		RETURNING ` + messageColumns

	var createdAt any
	if !stored.CreatedAt.IsZero() {
		createdAt = stored.CreatedAt
	}

	row := s.pool.QueryRow(ctx, query,
		stored.ID,
		stored.Conversation().String(),
		stored.SenderID,
		stored.ReceiverID,
		stored.Body,
		stored.FoodID,
		stored.ClientToken,
		createdAt,
	)

	out, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("failed to append message: %w", err)
	}
	return out, nil
}

// History implements ChatStore.
func (s *Postgres) History(ctx context.Context, key ConversationKey) ([]Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE conversation_key = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	return out, nil
}

// MarkRead implements ChatStore. The UPDATE's WHERE clause enforces the
// receiver-only and unread-only guards in one statement, so concurrent read
// events for the same message race harmlessly.
func (s *Postgres) MarkRead(ctx context.Context, messageID string, readerID int64) (Message, bool, error) {
	update := `
		UPDATE chat_messages
		SET read_at = now()
		WHERE id = $1 AND receiver_id = $2 AND read_at IS NULL
		RETURNING ` + messageColumns

	m, err := scanMessage(s.pool.QueryRow(ctx, update, messageID, readerID))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, fmt.Errorf("failed to mark message read: %w", err)
	}

	// No row updated: either the message does not exist, or the guard held.
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE id = $1`
	m, err = scanMessage(s.pool.QueryRow(ctx, query, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, false, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("failed to load message: %w", err)
	}
	return m, false, nil
}

// ConversationsFor implements ChatStore.
func (s *Postgres) ConversationsFor(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	query := `
		SELECT DISTINCT ON (conversation_key) ` + messageColumns + `
		FROM chat_messages
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY conversation_key, created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	out := []ConversationSummary{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, ConversationSummary{
			OtherUserID: m.Conversation().Other(userID),
			LastMessage: m,
			FoodID:      m.FoodID,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation rows: %w", err)
	}

	// DISTINCT ON orders by key; the list view wants most recent first.
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
	})
	return out, nil
}
