package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/luna/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row addressed by id does not belong to the
// user or does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS conversations_user_updated
    ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS chat_messages (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    conversation_id TEXT,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS chat_messages_user_conversation
    ON chat_messages(user_id, conversation_id, created_at);

CREATE TABLE IF NOT EXISTS period_logs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    log_date TEXT NOT NULL,
    flow_intensity TEXT,
    symptoms TEXT NOT NULL DEFAULT '[]',
    moods TEXT NOT NULL DEFAULT '[]',
    notes TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, log_date)
);

CREATE TABLE IF NOT EXISTS mood_entries (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    entry_date TEXT NOT NULL,
    mood_score INTEGER NOT NULL,
    mood_label TEXT NOT NULL,
    notes TEXT,
    energy_level INTEGER,
    sleep_quality INTEGER,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (user_id, entry_date)
);`

type Database struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// Background deletes and streamed replies write concurrently; one
	// connection serialises them instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Database{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

// Ping reports whether the database is reachable.
func (db *Database) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

func (db *Database) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	query := `
        INSERT INTO conversations (id, user_id, title, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)`

	now := db.now()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := db.db.ExecContext(ctx, query, conv.ID, userID, title, now, now); err != nil {
		return nil, err
	}
	return conv, nil
}

func (db *Database) LatestConversation(ctx context.Context, userID string) (*models.Conversation, error) {
	query := `
        SELECT id, user_id, title, created_at, updated_at
        FROM conversations
        WHERE user_id = ?
        ORDER BY updated_at DESC, rowid DESC
        LIMIT 1`

	var conv models.Conversation
	err := db.db.QueryRowContext(ctx, query, userID).
		Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListConversations returns the user's conversations, most recently updated
// first.
func (db *Database) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	query := `
        SELECT id, user_id, title, created_at, updated_at
        FROM conversations
        WHERE user_id = ?
        ORDER BY updated_at DESC, rowid DESC`

	rows, err := db.db.QueryContext(ctx, query, userID)
	if err != nil {
		return []models.Conversation{}, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		var conv models.Conversation
		err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
		if err != nil {
			return []models.Conversation{}, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (db *Database) RenameConversation(ctx context.Context, userID, id, title string) error {
	res, err := db.db.ExecContext(ctx,
		"UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?",
		title, id, userID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (db *Database) DeleteConversation(ctx context.Context, userID, id string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM chat_messages WHERE conversation_id = ? AND user_id = ?", id, userID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM conversations WHERE id = ? AND user_id = ?", id, userID); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveMessage inserts msg, filling in its ID and CreatedAt, and advances the
// owning conversation's updated_at in the same transaction.
func (db *Database) SaveMessage(ctx context.Context, msg *models.StoredMessage) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
        INSERT INTO chat_messages (id, user_id, conversation_id, role, content, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`

	id := uuid.NewString()
	createdAt := db.now()
	if _, err := tx.ExecContext(ctx, query,
		id, msg.UserID, nullable(msg.ConversationID), string(msg.Role), msg.Content, createdAt); err != nil {
		return err
	}

	if msg.ConversationID != "" {
		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET updated_at = ? WHERE id = ? AND user_id = ?",
			createdAt, msg.ConversationID, msg.UserID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	msg.ID = id
	msg.CreatedAt = createdAt
	return nil
}

// ListMessages returns the most recent limit messages of a conversation,
// oldest first.
func (db *Database) ListMessages(ctx context.Context, userID, conversationID string, limit int) ([]models.StoredMessage, error) {
	query := `
        SELECT id, user_id, conversation_id, role, content, created_at
        FROM chat_messages
        WHERE user_id = ? AND conversation_id = ?
        ORDER BY created_at DESC, rowid DESC
        LIMIT ?`

	return db.listMessages(ctx, query, userID, conversationID, limit)
}

// ListOrphanMessages is ListMessages for rows with no conversation.
func (db *Database) ListOrphanMessages(ctx context.Context, userID string, limit int) ([]models.StoredMessage, error) {
	query := `
        SELECT id, user_id, conversation_id, role, content, created_at
        FROM chat_messages
        WHERE user_id = ? AND conversation_id IS NULL
        ORDER BY created_at DESC, rowid DESC
        LIMIT ?`

	return db.listMessages(ctx, query, userID, limit)
}

func (db *Database) listMessages(ctx context.Context, query string, args ...any) ([]models.StoredMessage, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return []models.StoredMessage{}, err
	}
	defer rows.Close()

	messages := make([]models.StoredMessage, 0)
	for rows.Next() {
		var (
			msg    models.StoredMessage
			convID sql.NullString
			role   string
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &convID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return []models.StoredMessage{}, err
		}
		msg.ConversationID = convID.String
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return []models.StoredMessage{}, err
	}

	// Selected newest first so LIMIT keeps the tail; callers want it ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (db *Database) UpdateMessageContent(ctx context.Context, userID, id, content string) error {
	res, err := db.db.ExecContext(ctx,
		"UPDATE chat_messages SET content = ? WHERE id = ? AND user_id = ?",
		content, id, userID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (db *Database) DeleteMessages(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM chat_messages WHERE id = ? AND user_id = ?")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, userID); err != nil {
			return fmt.Errorf("failed to delete message %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// AdoptOrphanMessages moves the listed orphaned messages into
// conversationID. Rows that already belong to a conversation are left alone.
func (db *Database) AdoptOrphanMessages(ctx context.Context, userID, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        UPDATE chat_messages SET conversation_id = ?
        WHERE id = ? AND user_id = ? AND conversation_id IS NULL`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, conversationID, id, userID); err != nil {
			return fmt.Errorf("failed to adopt message %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (db *Database) DeleteOrphanMessages(ctx context.Context, userID string) error {
	_, err := db.db.ExecContext(ctx,
		"DELETE FROM chat_messages WHERE user_id = ? AND conversation_id IS NULL", userID)
	return err
}

// UpsertPeriodLog stores the log for its date, replacing any earlier log the
// user made for that day. ID and CreatedAt are filled in.
func (db *Database) UpsertPeriodLog(ctx context.Context, log *models.PeriodLog) error {
	symptoms, err := encodeList(log.Symptoms)
	if err != nil {
		return err
	}
	moods, err := encodeList(log.Moods)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO period_logs (id, user_id, log_date, flow_intensity, symptoms, moods, notes, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_id, log_date) DO UPDATE SET
            flow_intensity = excluded.flow_intensity,
            symptoms = excluded.symptoms,
            moods = excluded.moods,
            notes = excluded.notes
        RETURNING id`

	var id string
	err = db.db.QueryRowContext(ctx, query,
		uuid.NewString(), log.UserID, log.LogDate, log.FlowIntensity, symptoms, moods, log.Notes, db.now()).
		Scan(&id)
	if err != nil {
		return err
	}
	log.ID = id
	return db.db.QueryRowContext(ctx, "SELECT created_at FROM period_logs WHERE id = ?", id).
		Scan(&log.CreatedAt)
}

// ListPeriodLogs returns the user's logs, newest date first.
func (db *Database) ListPeriodLogs(ctx context.Context, userID string) ([]models.PeriodLog, error) {
	query := `
        SELECT id, user_id, log_date, flow_intensity, symptoms, moods, notes, created_at
        FROM period_logs
        WHERE user_id = ?
        ORDER BY log_date DESC`

	rows, err := db.db.QueryContext(ctx, query, userID)
	if err != nil {
		return []models.PeriodLog{}, err
	}
	defer rows.Close()

	logs := make([]models.PeriodLog, 0)
	for rows.Next() {
		var (
			log             models.PeriodLog
			symptoms, moods string
		)
		err := rows.Scan(&log.ID, &log.UserID, &log.LogDate, &log.FlowIntensity,
			&symptoms, &moods, &log.Notes, &log.CreatedAt)
		if err != nil {
			return []models.PeriodLog{}, err
		}
		if log.Symptoms, err = decodeList(symptoms); err != nil {
			return []models.PeriodLog{}, err
		}
		if log.Moods, err = decodeList(moods); err != nil {
			return []models.PeriodLog{}, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (db *Database) DeletePeriodLog(ctx context.Context, userID, logDate string) error {
	_, err := db.db.ExecContext(ctx,
		"DELETE FROM period_logs WHERE user_id = ? AND log_date = ?", userID, logDate)
	return err
}

// UpsertMoodEntry stores the entry for its date, replacing any earlier entry
// the user made for that day.
func (db *Database) UpsertMoodEntry(ctx context.Context, entry *models.MoodEntry) error {
	query := `
        INSERT INTO mood_entries (id, user_id, entry_date, mood_score, mood_label, notes,
                                  energy_level, sleep_quality, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (user_id, entry_date) DO UPDATE SET
            mood_score = excluded.mood_score,
            mood_label = excluded.mood_label,
            notes = excluded.notes,
            energy_level = excluded.energy_level,
            sleep_quality = excluded.sleep_quality
        RETURNING id`

	var id string
	err := db.db.QueryRowContext(ctx, query,
		uuid.NewString(), entry.UserID, entry.EntryDate, entry.MoodScore, entry.MoodLabel,
		entry.Notes, entry.EnergyLevel, entry.SleepQuality, db.now()).
		Scan(&id)
	if err != nil {
		return err
	}
	entry.ID = id
	return db.db.QueryRowContext(ctx, "SELECT created_at FROM mood_entries WHERE id = ?", id).
		Scan(&entry.CreatedAt)
}

func (db *Database) ListMoodEntries(ctx context.Context, userID string) ([]models.MoodEntry, error) {
	query := `
        SELECT id, user_id, entry_date, mood_score, mood_label, notes,
               energy_level, sleep_quality, created_at
        FROM mood_entries
        WHERE user_id = ?
        ORDER BY entry_date DESC`

	rows, err := db.db.QueryContext(ctx, query, userID)
	if err != nil {
		return []models.MoodEntry{}, err
	}
	defer rows.Close()

	entries := make([]models.MoodEntry, 0)
	for rows.Next() {
		var e models.MoodEntry
		err := rows.Scan(&e.ID, &e.UserID, &e.EntryDate, &e.MoodScore, &e.MoodLabel,
			&e.Notes, &e.EnergyLevel, &e.SleepQuality, &e.CreatedAt)
		if err != nil {
			return []models.MoodEntry{}, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *Database) DeleteMoodEntry(ctx context.Context, userID, entryDate string) error {
	_, err := db.db.ExecContext(ctx,
		"DELETE FROM mood_entries WHERE user_id = ? AND entry_date = ?", userID, entryDate)
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	items := []string{}
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return items, nil
}
