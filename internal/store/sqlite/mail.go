package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/hive/internal/fleet"
	"github.com/zjrosen/hive/internal/mail"
)

// mailColumns is the list of columns to select for mail queries.
const mailColumns = `id, from_handle, to_handle, subject, body, read_at, created_at`

// mailRepository implements mail.Store using SQLite.
type mailRepository struct {
	db *sql.DB
}

var _ mail.Store = (*mailRepository)(nil)

// scanMail scans a row into a Message.
func scanMail(scanner interface{ Scan(...any) error }) (*mail.Message, error) {
	var (
		m         mail.Message
		readAt    sql.NullInt64
		createdAt int64
	)
	if err := scanner.Scan(&m.ID, &m.From, &m.To, &m.Subject, &m.Body, &readAt, &createdAt); err != nil {
		return nil, err
	}
	m.ReadAt = fromMilliNull(readAt)
	m.CreatedAt = fromMilli(createdAt)
	return &m, nil
}

// Insert persists a message, assigning its ID and CreatedAt.
func (r *mailRepository) Insert(m *mail.Message) error {
	now := time.Now()
	result, err := r.db.Exec(
		`INSERT INTO mail (from_handle, to_handle, subject, body, read_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.From, m.To, m.Subject, m.Body, milliPtr(m.ReadAt), milli(now),
	)
	if err != nil {
		return wrapIO("insert mail", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return wrapIO("insert mail", err)
	}
	m.ID = id
	m.CreatedAt = now
	return nil
}

// Get retrieves one message.
func (r *mailRepository) Get(id int64) (*mail.Message, error) {
	row := r.db.QueryRow(`SELECT `+mailColumns+` FROM mail WHERE id = ?`, id)
	m, err := scanMail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mail %d: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get mail", err)
	}
	return m, nil
}

// GetUnread returns the recipient's unread mail, oldest first.
func (r *mailRepository) GetUnread(handle string) ([]*mail.Message, error) {
	return r.queryMail("list unread mail",
		`SELECT `+mailColumns+` FROM mail WHERE to_handle = ? AND read_at IS NULL ORDER BY id ASC`,
		handle,
	)
}

// GetAll returns the recipient's mail, newest first, capped at limit.
func (r *mailRepository) GetAll(handle string, limit int) ([]*mail.Message, error) {
	query := `SELECT ` + mailColumns + ` FROM mail WHERE to_handle = ? ORDER BY id DESC`
	args := []any{handle}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryMail("list mail", query, args...)
}

func (r *mailRepository) queryMail(op, query string, args ...any) ([]*mail.Message, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, wrapIO(op, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*mail.Message
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, wrapIO("scan mail row", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate mail rows", err)
	}
	return messages, nil
}

// MarkRead stamps one message read. Re-marking keeps the original
// timestamp.
func (r *mailRepository) MarkRead(id int64, at time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("mark mail read", err)
	}
	defer func() { _ = tx.Rollback() }()

	var readAt sql.NullInt64
	err = tx.QueryRow(`SELECT read_at FROM mail WHERE id = ?`, id).Scan(&readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mail %d: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return wrapIO("mark mail read", err)
	}
	if readAt.Valid {
		return nil
	}

	if _, err := tx.Exec(`UPDATE mail SET read_at = ? WHERE id = ?`, milli(at), id); err != nil {
		return wrapIO("mark mail read", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapIO("mark mail read", err)
	}
	return nil
}

// MarkAllRead stamps every unread message for the handle and returns how
// many changed.
func (r *mailRepository) MarkAllRead(handle string, at time.Time) (int, error) {
	result, err := r.db.Exec(
		`UPDATE mail SET read_at = ? WHERE to_handle = ? AND read_at IS NULL`,
		milli(at), handle,
	)
	if err != nil {
		return 0, wrapIO("mark all mail read", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapIO("mark all mail read", err)
	}
	return int(n), nil
}

// InsertHandoff persists a handoff, assigning its ID and CreatedAt.
func (r *mailRepository) InsertHandoff(h *mail.Handoff) error {
	now := time.Now()
	result, err := r.db.Exec(
		`INSERT INTO handoffs (from_handle, to_handle, context, accepted_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		h.From, h.To, h.Context, milliPtr(h.AcceptedAt), milli(now),
	)
	if err != nil {
		return wrapIO("insert handoff", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return wrapIO("insert handoff", err)
	}
	h.ID = id
	h.CreatedAt = now
	return nil
}

// scanHandoff scans a row into a Handoff.
func scanHandoff(scanner interface{ Scan(...any) error }) (*mail.Handoff, error) {
	var (
		h          mail.Handoff
		acceptedAt sql.NullInt64
		createdAt  int64
	)
	if err := scanner.Scan(&h.ID, &h.From, &h.To, &h.Context, &acceptedAt, &createdAt); err != nil {
		return nil, err
	}
	h.AcceptedAt = fromMilliNull(acceptedAt)
	h.CreatedAt = fromMilli(createdAt)
	return &h, nil
}

// GetHandoff retrieves one handoff.
func (r *mailRepository) GetHandoff(id int64) (*mail.Handoff, error) {
	row := r.db.QueryRow(
		`SELECT id, from_handle, to_handle, context, accepted_at, created_at
		 FROM handoffs WHERE id = ?`, id,
	)
	h, err := scanHandoff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("handoff %d: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, wrapIO("get handoff", err)
	}
	return h, nil
}

// AcceptHandoff stamps the handoff accepted. Returns false when it was
// already accepted.
func (r *mailRepository) AcceptHandoff(id int64, at time.Time) (bool, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return false, wrapIO("accept handoff", err)
	}
	defer func() { _ = tx.Rollback() }()

	var acceptedAt sql.NullInt64
	err = tx.QueryRow(`SELECT accepted_at FROM handoffs WHERE id = ?`, id).Scan(&acceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("handoff %d: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return false, wrapIO("accept handoff", err)
	}
	if acceptedAt.Valid {
		return false, nil
	}

	if _, err := tx.Exec(`UPDATE handoffs SET accepted_at = ? WHERE id = ?`, milli(at), id); err != nil {
		return false, wrapIO("accept handoff", err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrapIO("accept handoff", err)
	}
	return true, nil
}

// PendingHandoffs returns the recipient's un-accepted handoffs, oldest
// first.
func (r *mailRepository) PendingHandoffs(handle string) ([]*mail.Handoff, error) {
	rows, err := r.db.Query(
		`SELECT id, from_handle, to_handle, context, accepted_at, created_at
		 FROM handoffs WHERE to_handle = ? AND accepted_at IS NULL ORDER BY id ASC`,
		handle,
	)
	if err != nil {
		return nil, wrapIO("list pending handoffs", err)
	}
	defer func() { _ = rows.Close() }()

	var handoffs []*mail.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, wrapIO("scan handoff row", err)
		}
		handoffs = append(handoffs, h)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate handoff rows", err)
	}
	return handoffs, nil
}
