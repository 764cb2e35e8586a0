package messages

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ParticipantLookup resolves the members of a conversation from the system
// of record.
type ParticipantLookup interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// PostgresParticipants reads conversation membership. It never writes.
type PostgresParticipants struct {
	db *sqlx.DB
}

func NewPostgresParticipants(db *sqlx.DB) *PostgresParticipants {
	return &PostgresParticipants{db: db}
}

// ConnectParticipants opens the system-of-record connection used for lookups.
func ConnectParticipants(databaseURL string) (*PostgresParticipants, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("Successfully connected to database ...")
	return NewPostgresParticipants(db), nil
}

func (p *PostgresParticipants) Participants(ctx context.Context, conversationID string) ([]string, error) {
	query, args, err := sq.Select("user_id").
		From("conversation_participants").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("user_id").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build participants query: %w", err)
	}

	var ids []string
	if err := p.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get participants for conversation %s: %w", conversationID, err)
	}
	return ids, nil
}

func (p *PostgresParticipants) Close() error {
	return p.db.Close()
}
