package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the SQLSTATE Postgres reports for a duplicate key.
const uniqueViolation = "23505"

// Postgres is the Store backed by database/sql with the pgx driver.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// casResult turns a zero-row compare-and-set update into ErrNotFound or
// ErrConflict depending on whether the row exists at all.
func (p *Postgres) casResult(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table)
	if err := p.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// ---------------------------------------------
// Conversations
// ---------------------------------------------

const conversationColumns = `id, creator_id, fan_id, service_order_id, is_enabled,
	last_message_at, last_message_preview, creator_unread, fan_unread, created_at`

func scanConversation(row scanner) (*Conversation, error) {
	c := &Conversation{}
	var last sql.NullTime
	if err := row.Scan(&c.ID, &c.CreatorID, &c.FanID, &c.ServiceOrderID, &c.IsEnabled,
		&last, &c.LastMessagePreview, &c.CreatorUnread, &c.FanUnread, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.LastMessageAt = timePtr(last)
	return c, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO conversations (id, creator_id, fan_id, service_order_id, is_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.ExecContext(ctx, query, c.ID, c.CreatorID, c.FanID, c.ServiceOrderID, c.IsEnabled, c.CreatedAt)
	return err
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := "SELECT " + conversationColumns + " FROM conversations WHERE id = $1"
	c, err := scanConversation(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (p *Postgres) FindConversation(ctx context.Context, creatorID, fanID, serviceOrderID string) (*Conversation, error) {
	query := "SELECT " + conversationColumns + ` FROM conversations
		WHERE creator_id = $1 AND fan_id = $2 AND service_order_id = $3`
	c, err := scanConversation(p.db.QueryRowContext(ctx, query, creatorID, fanID, serviceOrderID))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (p *Postgres) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	query := "SELECT " + conversationColumns + ` FROM conversations
		WHERE creator_id = $1 OR fan_id = $1
		ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EnableConversation flips is_enabled to true and drops any acceptance
// window. changed is false when the conversation was already enabled.
func (p *Postgres) EnableConversation(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		"UPDATE conversations SET is_enabled = TRUE WHERE id = $1 AND is_enabled = FALSE", id)
	if err != nil {
		return false, err
	}
	if _, err := p.db.ExecContext(ctx, "DELETE FROM acceptance_windows WHERE conversation_id = $1", id); err != nil {
		return false, err
	}
	switch err := p.casResult(ctx, res, "conversations", id); {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrConflict):
		return false, nil
	default:
		return false, err
	}
}

// ---------------------------------------------
// Acceptance windows
// ---------------------------------------------

func (p *Postgres) OpenAcceptanceWindow(ctx context.Context, w *AcceptanceWindow, now time.Time) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO acceptance_windows (conversation_id, id, initiator_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE SET
			id = EXCLUDED.id,
			initiator_id = EXCLUDED.initiator_id,
			expires_at = EXCLUDED.expires_at
		WHERE acceptance_windows.expires_at <= $5`,
		w.ConversationID, w.ID, w.InitiatorID, w.ExpiresAt, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) GetAcceptanceWindow(ctx context.Context, conversationID string) (*AcceptanceWindow, error) {
	w := &AcceptanceWindow{}
	err := p.db.QueryRowContext(ctx, `SELECT id, conversation_id, initiator_id, expires_at
		FROM acceptance_windows WHERE conversation_id = $1`, conversationID).
		Scan(&w.ID, &w.ConversationID, &w.InitiatorID, &w.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	return w, nil
}

// AcceptAcceptanceWindow deletes the window and enables the conversation in
// one transaction, so the enablement and the window's end are one fact.
func (p *Postgres) AcceptAcceptanceWindow(ctx context.Context, conversationID, windowID string, now time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM acceptance_windows
		WHERE conversation_id = $1 AND id = $2 AND expires_at > $3`, conversationID, windowID, now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET is_enabled = TRUE WHERE id = $1", conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) CloseAcceptanceWindow(ctx context.Context, conversationID, windowID string) error {
	res, err := p.db.ExecContext(ctx,
		"DELETE FROM acceptance_windows WHERE conversation_id = $1 AND id = $2", conversationID, windowID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ---------------------------------------------
// Messages
// ---------------------------------------------

const messageColumns = `id, conversation_id, sender_id, type, content, media_url, client_id, created_at, read_at`

func scanMessage(row scanner) (*Message, error) {
	m := &Message{}
	var readAt sql.NullTime
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content,
		&m.MediaURL, &m.ClientID, &m.CreatedAt, &readAt); err != nil {
		return nil, err
	}
	m.ReadAt = timePtr(readAt)
	return m, nil
}

// RecordMessage inserts the message and updates the conversation's preview,
// last activity and the recipient's unread counter in one transaction.
func (p *Postgres) RecordMessage(ctx context.Context, m *Message, recipientID, preview string) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET
			last_message_at = $2,
			last_message_preview = $3,
			creator_unread = creator_unread + CASE WHEN creator_id = $4 THEN 1 ELSE 0 END,
			fan_unread = fan_unread + CASE WHEN fan_id = $4 THEN 1 ELSE 0 END
		WHERE id = $1`, m.ConversationID, m.CreatedAt, preview, recipientID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO messages
			(id, conversation_id, sender_id, type, content, media_url, client_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.SenderID, m.Type, m.Content, m.MediaURL, m.ClientID, m.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) FindMessageByClientID(ctx context.Context, conversationID, senderID, clientID string) (*Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE conversation_id = $1 AND sender_id = $2 AND client_id = $3"
	m, err := scanMessage(p.db.QueryRowContext(ctx, query, conversationID, senderID, clientID))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

// ListMessages returns the newest limit messages in ascending order.
func (p *Postgres) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`
	rows, err := p.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkMessagesRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET
			creator_unread = CASE WHEN creator_id = $2 THEN 0 ELSE creator_unread END,
			fan_unread = CASE WHEN fan_id = $2 THEN 0 ELSE fan_unread END
		WHERE id = $1`, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, ErrNotFound
	}

	res, err = tx.ExecContext(ctx, `UPDATE messages SET read_at = $3
		WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL`, conversationID, readerID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// ---------------------------------------------
// Service orders
// ---------------------------------------------

const orderColumns = `id, creator_id, user_id, status, duration_minutes, activated_at, expires_at, utilized_at, created_at`

func scanOrder(row scanner) (*ServiceOrder, error) {
	o := &ServiceOrder{}
	var activated, expires, utilized sql.NullTime
	if err := row.Scan(&o.ID, &o.CreatorID, &o.UserID, &o.Status, &o.DurationMinutes,
		&activated, &expires, &utilized, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.ActivatedAt = timePtr(activated)
	o.ExpiresAt = timePtr(expires)
	o.UtilizedAt = timePtr(utilized)
	return o, nil
}

func (p *Postgres) CreateServiceOrder(ctx context.Context, o *ServiceOrder) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = OrderPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO service_orders
			(id, creator_id, user_id, status, duration_minutes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.CreatorID, o.UserID, o.Status, o.DurationMinutes, o.CreatedAt)
	return err
}

func (p *Postgres) GetServiceOrder(ctx context.Context, id string) (*ServiceOrder, error) {
	query := "SELECT " + orderColumns + " FROM service_orders WHERE id = $1"
	o, err := scanOrder(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func (p *Postgres) ActivateServiceOrder(ctx context.Context, id string, activatedAt, expiresAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE service_orders
		SET status = 'active', activated_at = $2, expires_at = $3
		WHERE id = $1 AND status = 'pending'`, id, activatedAt, expiresAt)
	if err != nil {
		return err
	}
	return p.casResult(ctx, res, "service_orders", id)
}

func (p *Postgres) CompleteServiceOrder(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE service_orders
		SET status = 'fulfilled', utilized_at = $2
		WHERE id = $1 AND status = 'active'`, id, at)
	if err != nil {
		return err
	}
	return p.casResult(ctx, res, "service_orders", id)
}

func (p *Postgres) CancelServiceOrder(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE service_orders SET status = 'cancelled'
		WHERE id = $1 AND status IN ('pending', 'active')`, id)
	if err != nil {
		return err
	}
	return p.casResult(ctx, res, "service_orders", id)
}

func (p *Postgres) ListActiveServiceOrders(ctx context.Context) ([]*ServiceOrder, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM service_orders WHERE status = 'active'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ServiceOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ---------------------------------------------
// Calls
// ---------------------------------------------

const callColumns = `id, caller_id, receiver_id, type, state, created_at, answered_at, ended_at`

func scanCall(row scanner) (*Call, error) {
	c := &Call{}
	var answered, ended sql.NullTime
	if err := row.Scan(&c.ID, &c.CallerID, &c.ReceiverID, &c.Type, &c.State,
		&c.CreatedAt, &answered, &ended); err != nil {
		return nil, err
	}
	c.AnsweredAt = timePtr(answered)
	c.EndedAt = timePtr(ended)
	return c, nil
}

func (p *Postgres) CreateCall(ctx context.Context, c *Call) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO calls (id, caller_id, receiver_id, type, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.CallerID, c.ReceiverID, c.Type, c.State, c.CreatedAt)
	return err
}

func (p *Postgres) GetCall(ctx context.Context, id string) (*Call, error) {
	query := "SELECT " + callColumns + " FROM calls WHERE id = $1"
	c, err := scanCall(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (p *Postgres) TransitionCall(ctx context.Context, id string, from, to CallState, at time.Time) error {
	var answered, ended sql.NullTime
	if to == CallAccepted {
		answered = sql.NullTime{Time: at, Valid: true}
	}
	if to.Terminal() {
		ended = sql.NullTime{Time: at, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `UPDATE calls SET state = $3,
			answered_at = COALESCE($4, answered_at),
			ended_at = COALESCE($5, ended_at)
		WHERE id = $1 AND state = $2`, id, from, to, answered, ended)
	if err != nil {
		return err
	}
	return p.casResult(ctx, res, "calls", id)
}

func (p *Postgres) ListRingingCallsBefore(ctx context.Context, before time.Time) ([]*Call, error) {
	return p.queryCalls(ctx,
		"SELECT "+callColumns+" FROM calls WHERE state = 'ringing' AND created_at < $1", before)
}

func (p *Postgres) ListLiveCalls(ctx context.Context, userID string) ([]*Call, error) {
	return p.queryCalls(ctx, "SELECT "+callColumns+` FROM calls
		WHERE state IN ('ringing', 'accepted') AND (caller_id = $1 OR receiver_id = $1)`, userID)
}

func (p *Postgres) queryCalls(ctx context.Context, query string, args ...any) ([]*Call, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
