package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/DevOcho/d8-chat/internal/domain"
)

// PostgresProvider reads membership out of the workspace database. The
// chat core does not own these tables; it only queries them.
type PostgresProvider struct {
	db *sql.DB
}

func NewPostgresProvider(dsn string) (*PostgresProvider, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open roster db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping roster db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresProvider{db: db}, nil
}

func (p *PostgresProvider) Conversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := p.db.QueryRowContext(ctx,
		`SELECT id, kind FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&conv.ID, &conv.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, ErrUnknownConversation
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("query conversation: %w", err)
	}
	return conv, nil
}

func (p *PostgresProvider) Members(ctx context.Context, conversationID string) ([]Member, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT u.id, u.username
		   FROM conversation_members m
		   JOIN users u ON u.id = m.user_id
		  WHERE m.conversation_id = $1`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Username); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

func (p *PostgresProvider) Close() error {
	return p.db.Close()
}
