package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
)

const messageColumns = `seq, local_id, server_id, chat_id, content, sender_id, is_ai_response,
	timestamp, synced, idempotency_key, created_at, updated_at`

const mediaColumns = `seq, local_id, server_id, local_message_id, type, url, thumbnail,
	synced, created_at, updated_at`

// mediaBatch bounds the IN list when joining media to a message snapshot.
const mediaBatch = 500

// NewLocalID returns a sortable client-side identifier.
func NewLocalID() string {
	return ulid.Make().String()
}

// EnqueueMessage persists an outgoing message with synced=false and returns its local id.
func (db *DB) EnqueueMessage(ctx context.Context, m *Message) (string, error) {
	if err := insertMessage(ctx, db, m); err != nil {
		return "", err
	}
	return m.LocalID, nil
}

// EnqueueMedia persists an attachment of an already queued message.
func (db *DB) EnqueueMedia(ctx context.Context, md *Media) (string, error) {
	if err := insertMedia(ctx, db, md); err != nil {
		return "", err
	}
	return md.LocalID, nil
}

// EnqueueMessageWithMedia persists a message and its attachments atomically.
func (db *DB) EnqueueMessageWithMedia(ctx context.Context, m *Message, media []*Media) (string, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return "", storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMessage(ctx, tx, m); err != nil {
		return "", err
	}
	for _, md := range media {
		md.LocalMessageID = m.LocalID
		if err := insertMedia(ctx, tx, md); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", storageErr("commit", err)
	}
	return m.LocalID, nil
}

func insertMessage(ctx context.Context, e sqlx.ExtContext, m *Message) error {
	if m.ChatID == "" {
		return fmt.Errorf("message: chat id required: %w", ErrInvalidRecord)
	}
	now := time.Now().UnixMilli()
	if m.LocalID == "" {
		m.LocalID = NewLocalID()
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	if m.Timestamp == 0 {
		m.Timestamp = now
	}
	m.ServerID = nil
	m.Synced = false
	m.CreatedAt = now
	m.UpdatedAt = now

	res, err := sqlx.NamedExecContext(ctx, e, `
		INSERT INTO messages (local_id, chat_id, content, sender_id, is_ai_response, timestamp,
			synced, idempotency_key, created_at, updated_at)
		VALUES (:local_id, :chat_id, :content, :sender_id, :is_ai_response, :timestamp,
			0, :idempotency_key, :created_at, :updated_at)`, m)
	if err != nil {
		return storageErr("enqueue message", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		m.Seq = seq
	}
	return nil
}

func insertMedia(ctx context.Context, e sqlx.ExtContext, md *Media) error {
	if md.LocalMessageID == "" || md.URL == "" || !md.Type.Valid() {
		return fmt.Errorf("media %q: %w", md.LocalID, ErrInvalidRecord)
	}

	var parents int
	if err := sqlx.GetContext(ctx, e, &parents, `SELECT COUNT(*) FROM messages WHERE local_id = ?`, md.LocalMessageID); err != nil {
		return storageErr("enqueue media", err)
	}
	if parents == 0 {
		return fmt.Errorf("media for %s: %w", md.LocalMessageID, ErrParentNotFound)
	}

	now := time.Now().UnixMilli()
	if md.LocalID == "" {
		md.LocalID = NewLocalID()
	}
	md.ServerID = nil
	md.Synced = false
	md.CreatedAt = now
	md.UpdatedAt = now

	res, err := sqlx.NamedExecContext(ctx, e, `
		INSERT INTO media (local_id, local_message_id, type, url, thumbnail, synced, created_at, updated_at)
		VALUES (:local_id, :local_message_id, :type, :url, :thumbnail, 0, :created_at, :updated_at)`, md)
	if err != nil {
		return storageErr("enqueue media", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		md.Seq = seq
	}
	return nil
}

// ListUnsyncedForChat returns the chat's unsynced messages in enqueue order,
// each joined with its unsynced attachments in enqueue order.
func (db *DB) ListUnsyncedForChat(ctx context.Context, chatID string) ([]PendingMessage, error) {
	var msgs []Message
	err := db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+`
		FROM messages WHERE chat_id = ? AND synced = 0 ORDER BY seq ASC`, chatID)
	if err != nil {
		return nil, storageErr("list unsynced", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	byMessage := make(map[string][]Media, len(msgs))
	for start := 0; start < len(msgs); start += mediaBatch {
		end := min(start+mediaBatch, len(msgs))
		ids := make([]string, 0, end-start)
		for _, m := range msgs[start:end] {
			ids = append(ids, m.LocalID)
		}

		query, args, err := sqlx.In(`
			SELECT `+mediaColumns+`
			FROM media WHERE local_message_id IN (?) AND synced = 0 ORDER BY seq ASC`, ids)
		if err != nil {
			return nil, storageErr("list unsynced media", err)
		}
		var media []Media
		if err := db.SelectContext(ctx, &media, db.Rebind(query), args...); err != nil {
			return nil, storageErr("list unsynced media", err)
		}
		for _, md := range media {
			byMessage[md.LocalMessageID] = append(byMessage[md.LocalMessageID], md)
		}
	}

	out := make([]PendingMessage, len(msgs))
	for i, m := range msgs {
		out[i] = PendingMessage{Message: m, Media: byMessage[m.LocalID]}
	}
	return out, nil
}

// ListStrandedMedia returns unsynced attachments of already synced messages in the chat.
func (db *DB) ListStrandedMedia(ctx context.Context, chatID string) ([]StrandedMedia, error) {
	var out []StrandedMedia
	err := db.SelectContext(ctx, &out, `
		SELECT md.seq AS seq, md.local_id AS local_id, md.server_id AS server_id,
			md.local_message_id AS local_message_id, md.type AS type, md.url AS url,
			md.thumbnail AS thumbnail, md.synced AS synced, md.created_at AS created_at,
			md.updated_at AS updated_at, m.server_id AS message_server_id
		FROM media md
		JOIN messages m ON m.local_id = md.local_message_id
		WHERE m.chat_id = ? AND m.synced = 1 AND md.synced = 0 AND m.server_id IS NOT NULL
		ORDER BY md.seq ASC`, chatID)
	if err != nil {
		return nil, storageErr("list stranded media", err)
	}
	return out, nil
}

// MarkMessageSynced flags a message synced and records its server id.
// Marking an already synced message again keeps the first server id.
func (db *DB) MarkMessageSynced(ctx context.Context, localID, serverID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET synced = 1, server_id = COALESCE(server_id, ?), updated_at = ?
		WHERE local_id = ?`, serverID, time.Now().UnixMilli(), localID)
	if err != nil {
		return storageErr("mark message synced", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", localID, ErrNotFound)
	}
	return nil
}

// MarkMediaSynced flags an attachment synced. The parent message must already be synced.
func (db *DB) MarkMediaSynced(ctx context.Context, localID, serverID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE media SET synced = 1, server_id = COALESCE(server_id, ?), updated_at = ?
		WHERE local_id = ?
		  AND EXISTS (SELECT 1 FROM messages m WHERE m.local_id = media.local_message_id AND m.synced = 1)`,
		serverID, time.Now().UnixMilli(), localID)
	if err != nil {
		return storageErr("mark media synced", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM media WHERE local_id = ?`, localID)
	if err != nil {
		return storageErr("mark media synced", err)
	}
	if exists == 0 {
		return fmt.Errorf("media %s: %w", localID, ErrNotFound)
	}
	return fmt.Errorf("media %s: %w", localID, ErrParentNotSynced)
}

// IsChatFullySynced reports whether no message in the chat is still pending.
func (db *DB) IsChatFullySynced(ctx context.Context, chatID string) (bool, error) {
	var pending int
	err := db.GetContext(ctx, &pending, `SELECT COUNT(*) FROM messages WHERE chat_id = ? AND synced = 0`, chatID)
	if err != nil {
		return false, storageErr("fully synced", err)
	}
	return pending == 0, nil
}

// Stats counts the chat's messages by sync state.
func (db *DB) Stats(ctx context.Context, chatID string) (Stats, error) {
	var row struct {
		Total        int           `db:"total"`
		Synced       sql.NullInt64 `db:"synced"`
		MediaPending int           `db:"media_pending"`
	}
	err := db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS total,
			SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END) AS synced,
			(SELECT COUNT(*) FROM media md JOIN messages m ON m.local_id = md.local_message_id
			 WHERE m.chat_id = ? AND md.synced = 0) AS media_pending
		FROM messages WHERE chat_id = ?`, chatID, chatID)
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	synced := int(row.Synced.Int64)
	return Stats{
		Total:        row.Total,
		Synced:       synced,
		Pending:      row.Total - synced,
		MediaPending: row.MediaPending,
	}, nil
}

// PurgeSynced deletes synced records. A synced message is kept while any of
// its attachments is still pending so the attachment keeps a valid parent.
func (db *DB) PurgeSynced(ctx context.Context) (PurgeResult, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return PurgeResult{}, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result PurgeResult
	res, err := tx.ExecContext(ctx, `DELETE FROM media WHERE synced = 1`)
	if err != nil {
		return PurgeResult{}, storageErr("purge media", err)
	}
	result.Media, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM messages WHERE synced = 1
		AND NOT EXISTS (SELECT 1 FROM media md WHERE md.local_message_id = messages.local_id)`)
	if err != nil {
		return PurgeResult{}, storageErr("purge messages", err)
	}
	result.Messages, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PurgeResult{}, storageErr("commit", err)
	}
	return result, nil
}

// PendingChats lists chats with unsynced messages or stranded attachments,
// oldest pending work first.
func (db *DB) PendingChats(ctx context.Context) ([]string, error) {
	var chats []string
	err := db.SelectContext(ctx, &chats, `
		SELECT chat_id FROM (
			SELECT m.chat_id AS chat_id, MIN(m.seq) AS first_seq FROM messages m
			WHERE m.synced = 0 GROUP BY m.chat_id
			UNION ALL
			SELECT m.chat_id AS chat_id, MIN(m.seq) AS first_seq FROM media md
			JOIN messages m ON m.local_id = md.local_message_id
			WHERE m.synced = 1 AND md.synced = 0 GROUP BY m.chat_id
		)
		GROUP BY chat_id ORDER BY MIN(first_seq) ASC`)
	if err != nil {
		return nil, storageErr("pending chats", err)
	}
	return chats, nil
}

// IsNotFound reports whether err means the target record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// escapeLike escapes LIKE wildcards for prefix queries.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
