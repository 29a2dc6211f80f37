package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailcache/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
//
// The pool is limited to a single connection: SQLite allows one writer,
// and a single connection keeps ":memory:" databases coherent.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Must precede table creation to take effect on a new database.
	if _, err := db.Exec("PRAGMA auto_vacuum=INCREMENTAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling incremental vacuum: %w", err)
	}

	if !isMemoryPath(dbPath) {
		// Enable WAL mode for better concurrent read performance.
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isMemoryPath(p string) bool {
	p = strings.TrimSpace(p)
	return p == "" || p == ":memory:" || strings.Contains(p, "mode=memory")
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// threadRow mirrors the threads table.
type threadRow struct {
	ID           string         `db:"id"`
	Subject      string         `db:"subject"`
	Snippet      string         `db:"snippet"`
	LastDate     int64          `db:"last_date"`
	Labels       string         `db:"labels"`
	Unread       int            `db:"unread"`
	FromAddr     string         `db:"from_addr"`
	Participants string         `db:"participants"`
	Nudge        sql.NullString `db:"nudge"`
	CachedAt     int64          `db:"cached_at"`
}

const threadColumns = `t.id, t.subject, t.snippet, t.last_date, t.labels, t.unread,
	t.from_addr, t.participants, t.nudge, t.cached_at`

func (r threadRow) toModel() (model.Thread, error) {
	t := model.Thread{
		ID:          r.ID,
		Subject:     r.Subject,
		Snippet:     r.Snippet,
		LastDate:    fromMillis(r.LastDate),
		Unread:      r.Unread != 0,
		FromAddress: r.FromAddr,
		CachedAt:    fromMillis(r.CachedAt),
	}
	if r.Nudge.Valid {
		t.Nudge = model.NudgeType(r.Nudge.String)
	}
	if err := unmarshalList(r.Labels, &t.Labels); err != nil {
		return model.Thread{}, fmt.Errorf("unmarshaling labels for thread %s: %w", r.ID, err)
	}
	if err := unmarshalList(r.Participants, &t.Participants); err != nil {
		return model.Thread{}, fmt.Errorf("unmarshaling participants for thread %s: %w", r.ID, err)
	}
	return t, nil
}

func threadsFromRows(rows []threadRow) ([]model.Thread, error) {
	threads := make([]model.Thread, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// messageRow mirrors the messages table.
type messageRow struct {
	ID          string `db:"id"`
	ThreadID    string `db:"thread_id"`
	FromAddr    string `db:"from_addr"`
	FromName    string `db:"from_name"`
	ToAddrs     string `db:"to_addrs"`
	CcAddrs     string `db:"cc_addrs"`
	Subject     string `db:"subject"`
	Snippet     string `db:"snippet"`
	BodyHTML    []byte `db:"body_html"`
	BodyText    string `db:"body_text"`
	HasBody     int    `db:"has_body"`
	Date        int64  `db:"date"`
	Labels      string `db:"labels"`
	Unread      int    `db:"unread"`
	Attachments string `db:"attachments"`
}

func (r messageRow) toModel() (model.Message, error) {
	m := model.Message{
		ID:       r.ID,
		ThreadID: r.ThreadID,
		From:     r.FromAddr,
		FromName: r.FromName,
		Subject:  r.Subject,
		Snippet:  r.Snippet,
		BodyText: r.BodyText,
		Date:     fromMillis(r.Date),
		Unread:   r.Unread != 0,
	}

	html, err := decompressBody(r.BodyHTML)
	if err != nil {
		return model.Message{}, fmt.Errorf("decoding body of message %s: %w", r.ID, err)
	}
	m.BodyHTML = html

	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{r.ToAddrs, &m.To},
		{r.CcAddrs, &m.Cc},
		{r.Labels, &m.Labels},
	} {
		if err := unmarshalList(f.raw, f.dst); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling message %s: %w", r.ID, err)
		}
	}
	if r.Attachments != "" && r.Attachments != "[]" {
		if err := json.Unmarshal([]byte(r.Attachments), &m.Attachments); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling attachments of message %s: %w", r.ID, err)
		}
	}
	return m, nil
}

// UpsertThreads inserts or updates a batch of thread metadata rows. Cached
// messages and the local nudge classification are left untouched.
func (s *SQLiteStore) UpsertThreads(ctx context.Context, threads []model.Thread) error {
	if len(threads) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	cachedAt := s.now()
	for _, t := range threads {
		if err := upsertThreadTx(ctx, tx, t, cachedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpsertMessages inserts or updates a batch of messages. A metadata-only
// message never erases a body that is already cached.
func (s *SQLiteStore) UpsertMessages(ctx context.Context, messages []model.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range messages {
		if err := upsertMessageTx(ctx, tx, m); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpsertFullThread writes a thread and its message set atomically.
// Messages cached for the thread but absent from messages are removed.
func (s *SQLiteStore) UpsertFullThread(
	ctx context.Context,
	thread model.Thread,
	messages []model.Message,
) error {
	if thread.ID == "" {
		return fmt.Errorf("thread id must not be empty")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertThreadTx(ctx, tx, thread, s.now()); err != nil {
		return err
	}

	keep := make([]string, 0, len(messages))
	for _, m := range messages {
		m.ThreadID = thread.ID
		if err := upsertMessageTx(ctx, tx, m); err != nil {
			return err
		}
		keep = append(keep, m.ID)
	}

	if len(keep) > 0 {
		if err := deleteStaleMessagesTx(ctx, tx, thread.ID, keep); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertThreadTx(ctx context.Context, tx *sqlx.Tx, t model.Thread, cachedAt time.Time) error {
	if t.ID == "" {
		return fmt.Errorf("thread id must not be empty")
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO threads (
			id, subject, snippet, last_date, labels, unread,
			from_addr, participants, cached_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject      = excluded.subject,
			snippet      = excluded.snippet,
			last_date    = excluded.last_date,
			labels       = excluded.labels,
			unread       = excluded.unread,
			from_addr    = excluded.from_addr,
			participants = excluded.participants,
			cached_at    = excluded.cached_at`,
		t.ID, t.Subject, t.Snippet, toMillis(t.LastDate), marshalList(t.Labels),
		boolToInt(t.Unread || t.HasLabel(model.LabelUnread)),
		model.NormalizeAddress(t.FromAddress), marshalList(t.Participants),
		toMillis(cachedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting thread %s: %w", t.ID, err)
	}
	return nil
}

func upsertMessageTx(ctx context.Context, tx *sqlx.Tx, m model.Message) error {
	if m.ID == "" || m.ThreadID == "" {
		return fmt.Errorf("message id and thread id must not be empty")
	}

	html, err := compressBody(m.BodyHTML)
	if err != nil {
		return fmt.Errorf("encoding body of message %s: %w", m.ID, err)
	}
	attachments := "[]"
	if len(m.Attachments) > 0 {
		raw, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("marshaling attachments of message %s: %w", m.ID, err)
		}
		attachments = string(raw)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, thread_id, from_addr, from_name, to_addrs, cc_addrs,
			subject, snippet, body_html, body_text, has_body,
			date, labels, unread, attachments
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id   = excluded.thread_id,
			from_addr   = excluded.from_addr,
			from_name   = excluded.from_name,
			to_addrs    = excluded.to_addrs,
			cc_addrs    = excluded.cc_addrs,
			subject     = excluded.subject,
			snippet     = excluded.snippet,
			body_html   = CASE WHEN excluded.has_body = 1 THEN excluded.body_html ELSE messages.body_html END,
			body_text   = CASE WHEN excluded.has_body = 1 THEN excluded.body_text ELSE messages.body_text END,
			has_body    = MAX(messages.has_body, excluded.has_body),
			date        = excluded.date,
			labels      = excluded.labels,
			unread      = excluded.unread,
			attachments = CASE WHEN excluded.attachments != '[]' THEN excluded.attachments ELSE messages.attachments END`,
		m.ID, m.ThreadID, model.NormalizeAddress(m.From), m.FromName,
		marshalList(m.To), marshalList(m.Cc),
		m.Subject, m.Snippet, html, m.BodyText, boolToInt(m.HasBody()),
		toMillis(m.Date), marshalList(m.Labels),
		boolToInt(m.Unread || containsString(m.Labels, model.LabelUnread)),
		attachments,
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", m.ID, err)
	}

	return reindexMessageTx(ctx, tx, m.ID)
}

// reindexMessageTx replaces the full-text entry of a message with its
// current row content, so an entry exists exactly once.
func reindexMessageTx(ctx context.Context, tx *sqlx.Tx, messageID string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages_fts WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("clearing index for message %s: %w", messageID, err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages_fts (message_id, thread_id, subject, body, from_addr, to_addrs)
		SELECT id, thread_id, subject,
			CASE WHEN body_text != '' THEN body_text ELSE snippet END,
			from_addr || ' ' || from_name, to_addrs
		FROM messages WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("indexing message %s: %w", messageID, err)
	}
	return nil
}

func deleteStaleMessagesTx(ctx context.Context, tx *sqlx.Tx, threadID string, keep []string) error {
	query, args, err := sqlx.In(
		"SELECT id FROM messages WHERE thread_id = ? AND id NOT IN (?)", threadID, keep)
	if err != nil {
		return fmt.Errorf("building stale message query: %w", err)
	}

	var stale []string
	if err := tx.SelectContext(ctx, &stale, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("finding stale messages of thread %s: %w", threadID, err)
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages_fts WHERE message_id = ?", id); err != nil {
			return fmt.Errorf("clearing index for message %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting stale message %s: %w", id, err)
		}
	}
	return nil
}

// GetThreadsByLabels returns threads carrying every label in labels,
// most recent activity first. An empty label set matches all threads.
func (s *SQLiteStore) GetThreadsByLabels(
	ctx context.Context,
	labels []string,
	limit, offset int,
) ([]model.Thread, error) {
	var conditions []string
	var args []interface{}

	for _, l := range labels {
		conditions = append(conditions,
			"EXISTS (SELECT 1 FROM json_each(t.labels) WHERE json_each.value = ?)")
		args = append(args, l)
	}

	query := "SELECT " + threadColumns + " FROM threads t"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY t.last_date DESC, t.id"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", offset)
		}
	} else if offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}

	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying threads by labels: %w", err)
	}
	return threadsFromRows(rows)
}

// GetThread returns thread metadata with any cached messages ordered
// oldest first. It returns ErrNotFound if the thread is not cached.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	var row threadRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+threadColumns+" FROM threads t WHERE t.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting thread %s: %w", id, err)
	}

	thread, err := row.toModel()
	if err != nil {
		return nil, err
	}

	var msgRows []messageRow
	if err := s.db.SelectContext(ctx, &msgRows,
		"SELECT * FROM messages WHERE thread_id = ? ORDER BY date ASC, id", id); err != nil {
		return nil, fmt.Errorf("querying messages of thread %s: %w", id, err)
	}
	for _, r := range msgRows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		thread.Messages = append(thread.Messages, m)
	}

	return &thread, nil
}

// HasFullThread reports whether at least one cached message of the
// thread carries a body.
func (s *SQLiteStore) HasFullThread(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM messages WHERE thread_id = ? AND has_body = 1)", id)
	if err != nil {
		return false, fmt.Errorf("checking bodies of thread %s: %w", id, err)
	}
	return exists, nil
}

// GetThreadsNeedingBodies returns ids of metadata-only threads, most
// recent first.
func (s *SQLiteStore) GetThreadsNeedingBodies(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT t.id FROM threads t
		WHERE NOT EXISTS (
			SELECT 1 FROM messages m WHERE m.thread_id = t.id AND m.has_body = 1
		)
		ORDER BY t.last_date DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying threads without bodies: %w", err)
	}
	return ids, nil
}

// UpdateThreadLabels applies a label diff to the thread and each of its
// messages, recomputing the unread flags from UNREAD membership.
func (s *SQLiteStore) UpdateThreadLabels(
	ctx context.Context,
	id string,
	add, remove []string,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.GetContext(ctx, &raw, "SELECT labels FROM threads WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("updating labels of thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading labels of thread %s: %w", id, err)
	}

	var labels []string
	if err := unmarshalList(raw, &labels); err != nil {
		return fmt.Errorf("unmarshaling labels of thread %s: %w", id, err)
	}
	labels = model.ApplyLabelDiff(labels, add, remove)

	if _, err := tx.ExecContext(ctx,
		"UPDATE threads SET labels = ?, unread = ? WHERE id = ?",
		marshalList(labels), boolToInt(containsString(labels, model.LabelUnread)), id,
	); err != nil {
		return fmt.Errorf("updating labels of thread %s: %w", id, err)
	}

	var msgs []struct {
		ID     string `db:"id"`
		Labels string `db:"labels"`
	}
	if err := tx.SelectContext(ctx, &msgs,
		"SELECT id, labels FROM messages WHERE thread_id = ?", id); err != nil {
		return fmt.Errorf("reading message labels of thread %s: %w", id, err)
	}
	for _, m := range msgs {
		var ml []string
		if err := unmarshalList(m.Labels, &ml); err != nil {
			return fmt.Errorf("unmarshaling labels of message %s: %w", m.ID, err)
		}
		ml = model.ApplyLabelDiff(ml, add, remove)
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET labels = ?, unread = ? WHERE id = ?",
			marshalList(ml), boolToInt(containsString(ml, model.LabelUnread)), m.ID,
		); err != nil {
			return fmt.Errorf("updating labels of message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteThread removes a thread, its messages and their index entries.
func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteThreadTx(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteThreadTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages_fts WHERE thread_id = ?", id); err != nil {
		return fmt.Errorf("clearing index for thread %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", id); err != nil {
		return fmt.Errorf("deleting messages of thread %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM threads WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	return nil
}

// SetNudge records a nudge classification on a thread.
func (s *SQLiteStore) SetNudge(ctx context.Context, id string, nudge model.NudgeType) error {
	if !nudge.Valid() {
		return fmt.Errorf("invalid nudge type %q", nudge)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE threads SET nudge = ? WHERE id = ?", string(nudge), id)
	if err != nil {
		return fmt.Errorf("setting nudge on thread %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("setting nudge on thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClearNudge removes the nudge classification from a thread.
func (s *SQLiteStore) ClearNudge(ctx context.Context, id string) error {
	return s.ClearNudges(ctx, []string{id})
}

// ClearNudges removes nudge classifications from several threads.
func (s *SQLiteStore) ClearNudges(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		"UPDATE threads SET nudge = NULL WHERE nudge IS NOT NULL AND id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("building clear nudges query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("clearing nudges: %w", err)
	}
	return nil
}

// toMillis converts t to unix milliseconds; the zero time maps to 0.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis converts unix milliseconds to a UTC time; 0 maps to the
// zero time.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// marshalList encodes a string list as JSON, never as "null".
func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func unmarshalList(raw string, dst *[]string) error {
	if raw == "" || raw == "[]" {
		*dst = nil
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
