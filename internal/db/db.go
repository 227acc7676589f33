package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Schema is applied in order by AutoMigrate. User, creator and payment rows
// live in other services, so participant ids are opaque text here.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS service_orders (
        id TEXT PRIMARY KEY,
        creator_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        status VARCHAR(16) NOT NULL DEFAULT 'pending'
            CHECK (status IN ('pending', 'active', 'fulfilled', 'cancelled')),
        duration_minutes INT NOT NULL CHECK (duration_minutes > 0),
        activated_at TIMESTAMPTZ,
        expires_at TIMESTAMPTZ,
        utilized_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,

	`CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY,
        creator_id TEXT NOT NULL,
        fan_id TEXT NOT NULL,
        service_order_id TEXT NOT NULL DEFAULT '',
        is_enabled BOOLEAN NOT NULL DEFAULT FALSE,
        last_message_at TIMESTAMPTZ,
        last_message_preview TEXT NOT NULL DEFAULT '',
        creator_unread INT NOT NULL DEFAULT 0,
        fan_unread INT NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (creator_id, fan_id, service_order_id)
    )`,

	`CREATE TABLE IF NOT EXISTS acceptance_windows (
        conversation_id TEXT PRIMARY KEY REFERENCES conversations(id),
        id TEXT NOT NULL,
        initiator_id TEXT NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL
    )`,

	`CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY,
        conversation_id TEXT NOT NULL REFERENCES conversations(id),
        sender_id TEXT NOT NULL,
        type VARCHAR(8) NOT NULL CHECK (type IN ('text', 'image', 'audio', 'video')),
        content TEXT NOT NULL DEFAULT '',
        media_url TEXT NOT NULL DEFAULT '',
        client_id TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL,
        read_at TIMESTAMPTZ
    )`,

	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
        ON messages (conversation_id, created_at)`,

	`DROP INDEX IF EXISTS messages_sender_client_idx`,

	`CREATE UNIQUE INDEX IF NOT EXISTS messages_conversation_client_idx
        ON messages (conversation_id, sender_id, client_id) WHERE client_id <> ''`,

	`CREATE TABLE IF NOT EXISTS calls (
        id TEXT PRIMARY KEY,
        caller_id TEXT NOT NULL,
        receiver_id TEXT NOT NULL,
        type VARCHAR(8) NOT NULL CHECK (type IN ('audio', 'video')),
        state VARCHAR(16) NOT NULL
            CHECK (state IN ('ringing', 'accepted', 'rejected', 'timed_out', 'ended')),
        created_at TIMESTAMPTZ NOT NULL,
        answered_at TIMESTAMPTZ,
        ended_at TIMESTAMPTZ
    )`,

	`CREATE INDEX IF NOT EXISTS calls_ringing_idx ON calls (created_at) WHERE state = 'ringing'`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range Schema {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
