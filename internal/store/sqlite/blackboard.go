package sqlite

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/zjrosen/hive/internal/blackboard"
)

// boardColumns is the list of columns to select for blackboard queries.
const boardColumns = `id, swarm_id, topic, sender, target, msg_type, priority,
	payload, created_at, expires_at, archived_at`

// blackboardRepository implements blackboard.Store using SQLite.
// Priorities are stored as their integer rank so the board's ordering is
// a plain ORDER BY.
type blackboardRepository struct {
	db *sql.DB
}

var _ blackboard.Store = (*blackboardRepository)(nil)

// scanBoardMessage scans a row into a Message.
func scanBoardMessage(scanner interface{ Scan(...any) error }) (*blackboard.Message, error) {
	var (
		m          blackboard.Message
		rank       int
		payload    sql.NullString
		createdAt  int64
		expiresAt  sql.NullInt64
		archivedAt sql.NullInt64
	)
	err := scanner.Scan(&m.ID, &m.SwarmID, &m.Topic, &m.Sender, &m.Target, &m.Type, &rank,
		&payload, &createdAt, &expiresAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	m.Priority = blackboard.PriorityFromRank(rank)
	if payload.Valid && payload.String != "" {
		m.Payload = json.RawMessage(payload.String)
	}
	m.CreatedAt = fromMilli(createdAt)
	m.ExpiresAt = fromMilliNull(expiresAt)
	m.ArchivedAt = fromMilliNull(archivedAt)
	return &m, nil
}

// Post inserts the message and assigns its monotonic ID and CreatedAt.
func (r *blackboardRepository) Post(m *blackboard.Message) error {
	now := time.Now()

	var payload any
	if len(m.Payload) > 0 {
		payload = string(m.Payload)
	}

	result, err := r.db.Exec(
		`INSERT INTO blackboard (swarm_id, topic, sender, target, msg_type, priority,
			payload, created_at, expires_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SwarmID, m.Topic, m.Sender, m.Target, string(m.Type), m.Priority.Rank(),
		payload, milli(now), milliPtr(m.ExpiresAt), milliPtr(m.ArchivedAt),
	)
	if err != nil {
		return wrapIO("post message", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return wrapIO("post message", err)
	}
	m.ID = id
	m.CreatedAt = now
	return nil
}

// List returns visible messages for the swarm matching the filter,
// ordered priority descending then createdAt descending.
func (r *blackboardRepository) List(swarmID string, f blackboard.ReadFilter) ([]*blackboard.Message, error) {
	now := milli(time.Now())
	query := `SELECT ` + boardColumns + ` FROM blackboard
		WHERE swarm_id = ? AND archived_at IS NULL
		  AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{swarmID, now}

	if f.Reader != "" {
		query += ` AND (target = '' OR target = ? OR sender = ?)`
		args = append(args, f.Reader, f.Reader)
	}
	if f.Type != "" {
		query += ` AND msg_type = ?`
		args = append(args, string(f.Type))
	}
	if f.MinPriority != "" {
		query += ` AND priority >= ?`
		args = append(args, f.MinPriority.Rank())
	}
	if f.Topic != "" {
		query += ` AND topic = ?`
		args = append(args, f.Topic)
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, milli(*f.Since))
	}
	if f.UnreadOnly {
		query += ` AND NOT EXISTS (
			SELECT 1 FROM blackboard_reads
			WHERE message_id = blackboard.id AND reader = ?)`
		args = append(args, f.Reader)
	}

	query += ` ORDER BY priority DESC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return r.queryMessages("list messages", query, args...)
}

// ListSince returns live messages with id greater than afterID, oldest
// first.
func (r *blackboardRepository) ListSince(swarmID, topic string, afterID int64, limit int) ([]*blackboard.Message, error) {
	now := milli(time.Now())
	query := `SELECT ` + boardColumns + ` FROM blackboard
		WHERE swarm_id = ? AND id > ? AND archived_at IS NULL
		  AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{swarmID, afterID, now}

	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return r.queryMessages("list messages since", query, args...)
}

func (r *blackboardRepository) queryMessages(op, query string, args ...any) ([]*blackboard.Message, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, wrapIO(op, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*blackboard.Message
	for rows.Next() {
		m, err := scanBoardMessage(rows)
		if err != nil {
			return nil, wrapIO("scan message row", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapIO("iterate message rows", err)
	}
	return messages, nil
}

// MarkRead records a per-(message, reader) read row. Re-marking is a
// no-op.
func (r *blackboardRepository) MarkRead(ids []int64, reader string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return wrapIO("mark messages read", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := milli(time.Now())
	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO blackboard_reads (message_id, reader, read_at) VALUES (?, ?, ?)`,
	)
	if err != nil {
		return wrapIO("mark messages read", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range ids {
		if _, err := stmt.Exec(id, reader, now); err != nil {
			return wrapIO("mark messages read", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapIO("mark messages read", err)
	}
	return nil
}

// Archive stamps the given swarm's messages archived. Missing ids are
// ignored.
func (r *blackboardRepository) Archive(swarmID string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{milli(time.Now()), swarmID}
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := r.db.Exec(
		`UPDATE blackboard SET archived_at = ?
		 WHERE swarm_id = ? AND archived_at IS NULL AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return wrapIO("archive messages", err)
	}
	return nil
}

// ArchiveOlderThan archives live messages created before the cutoff and
// returns how many were stamped.
func (r *blackboardRepository) ArchiveOlderThan(swarmID string, cutoff time.Time) (int, error) {
	result, err := r.db.Exec(
		`UPDATE blackboard SET archived_at = ?
		 WHERE swarm_id = ? AND archived_at IS NULL AND created_at < ?`,
		milli(time.Now()), swarmID, milli(cutoff),
	)
	if err != nil {
		return 0, wrapIO("archive old messages", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapIO("archive old messages", err)
	}
	return int(n), nil
}

// PurgeArchived physically removes messages archived before the cutoff,
// read bookkeeping included, and returns how many rows were deleted.
func (r *blackboardRepository) PurgeArchived(cutoff time.Time) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, wrapIO("purge archived messages", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoffMs := milli(cutoff)
	if _, err := tx.Exec(
		`DELETE FROM blackboard_reads WHERE message_id IN (
			SELECT id FROM blackboard WHERE archived_at IS NOT NULL AND archived_at < ?)`,
		cutoffMs,
	); err != nil {
		return 0, wrapIO("purge read rows", err)
	}

	result, err := tx.Exec(
		`DELETE FROM blackboard WHERE archived_at IS NOT NULL AND archived_at < ?`,
		cutoffMs,
	)
	if err != nil {
		return 0, wrapIO("purge archived messages", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapIO("purge archived messages", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapIO("purge archived messages", err)
	}
	return int(n), nil
}

// UnreadCount counts live messages visible to reader that reader has not
// marked read.
func (r *blackboardRepository) UnreadCount(swarmID, reader string) (int, error) {
	now := milli(time.Now())
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM blackboard
		 WHERE swarm_id = ? AND archived_at IS NULL
		   AND (expires_at IS NULL OR expires_at > ?)
		   AND (target = '' OR target = ? OR sender = ?)
		   AND NOT EXISTS (
			SELECT 1 FROM blackboard_reads
			WHERE message_id = blackboard.id AND reader = ?)`,
		swarmID, now, reader, reader, reader,
	).Scan(&n)
	if err != nil {
		return 0, wrapIO("count unread messages", err)
	}
	return n, nil
}

// Stats summarizes the swarm's board.
func (r *blackboardRepository) Stats(swarmID string) (*blackboard.Stats, error) {
	stats := &blackboard.Stats{}
	now := milli(time.Now())

	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM blackboard WHERE swarm_id = ?`, swarmID,
	).Scan(&stats.Total)
	if err != nil {
		return nil, wrapIO("board stats", err)
	}

	const liveWhere = ` WHERE swarm_id = ? AND archived_at IS NULL
		AND (expires_at IS NULL OR expires_at > ?)`

	err = r.db.QueryRow(
		`SELECT COUNT(*) FROM blackboard`+liveWhere, swarmID, now,
	).Scan(&stats.Live)
	if err != nil {
		return nil, wrapIO("board stats", err)
	}

	topicRows, err := r.db.Query(
		`SELECT topic, COUNT(*) FROM blackboard`+liveWhere+
			` GROUP BY topic ORDER BY COUNT(*) DESC, topic ASC`,
		swarmID, now,
	)
	if err != nil {
		return nil, wrapIO("board stats", err)
	}
	defer func() { _ = topicRows.Close() }()
	for topicRows.Next() {
		var tc blackboard.TopicCount
		if err := topicRows.Scan(&tc.Topic, &tc.Count); err != nil {
			return nil, wrapIO("scan topic count", err)
		}
		stats.PerTopic = append(stats.PerTopic, tc)
	}
	if err := topicRows.Err(); err != nil {
		return nil, wrapIO("board stats", err)
	}
	stats.TopicCount = len(stats.PerTopic)

	typeRows, err := r.db.Query(
		`SELECT msg_type, COUNT(*) FROM blackboard`+liveWhere+
			` GROUP BY msg_type ORDER BY COUNT(*) DESC, msg_type ASC`,
		swarmID, now,
	)
	if err != nil {
		return nil, wrapIO("board stats", err)
	}
	defer func() { _ = typeRows.Close() }()
	for typeRows.Next() {
		var tc blackboard.TypeCount
		if err := typeRows.Scan(&tc.Type, &tc.Count); err != nil {
			return nil, wrapIO("scan type count", err)
		}
		stats.PerType = append(stats.PerType, tc)
	}
	if err := typeRows.Err(); err != nil {
		return nil, wrapIO("board stats", err)
	}

	return stats, nil
}
