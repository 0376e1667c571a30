package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/sparsh/internal/domain"
	"github.com/ashureev/sparsh/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
	retry  shared.RetryPolicy
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithJournalSealer encrypts journal text at rest.
func WithJournalSealer(s *Sealer) Option {
	return func(st *SQLiteStore) { st.sealer = s }
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets pollers read while a booking write is in flight.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		user_key TEXT NOT NULL,
		display_name TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_user ON chat_messages(user_id, seq);

	CREATE TABLE IF NOT EXISTS tasks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		user_key TEXT NOT NULL,
		id TEXT NOT NULL,
		title TEXT NOT NULL,
		assigned_by TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(user_key, id)
	);

	CREATE TABLE IF NOT EXISTS leaves (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_key TEXT NOT NULL,
		issued_by TEXT NOT NULL,
		expires_on TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS slots (
		id TEXT PRIMARY KEY,
		counselor_id TEXT NOT NULL,
		counselor_name TEXT NOT NULL,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		student_id TEXT,
		student_name TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		mood TEXT NOT NULL,
		sealed_text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_user ON journal_entries(user_id, created_at);

	CREATE TABLE IF NOT EXISTS peer_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		text TEXT NOT NULL,
		sent_at INTEGER NOT NULL,
		read INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_peer_pair ON peer_messages(sender_id, receiver_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a student profile.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, user_key, display_name, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.UserKey, &user.DisplayName,
		&lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a student profile.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, user_key, display_name, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		user_key = excluded.user_key,
		display_name = excluded.display_name,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return shared.Retry(ctx, s.retry, "upsert user", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.UserKey, user.DisplayName,
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// GetChatHistory returns a student's conversation in insertion order.
func (s *SQLiteStore) GetChatHistory(ctx context.Context, userID string) ([]domain.Message, error) {
	query := `
		SELECT id, role, text, metadata_json, created_at
		FROM chat_messages WHERE user_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer closeRows(rows, "chat history")

	var msgs []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var metaJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &role, &msg.Text, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.CreatedAt = time.Unix(0, createdAt)
		if metaJSON.Valid && metaJSON.String != "" {
			var meta domain.Metadata
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err != nil {
				slog.Warn("dropping unreadable message metadata", "user_id", userID, "message_id", msg.ID, "error", err)
			} else {
				msg.Metadata = &meta
			}
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat history: %w", err)
	}
	return msgs, nil
}

// SaveChatMessage appends a message to the student's conversation.
func (s *SQLiteStore) SaveChatMessage(ctx context.Context, userID string, msg domain.Message) error {
	var metaJSON interface{}
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}
		metaJSON = string(data)
	}

	query := `
	INSERT INTO chat_messages (user_id, id, role, text, metadata_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, id) DO NOTHING`

	return shared.Retry(ctx, s.retry, "save chat message", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			userID, msg.ID, string(msg.Role), msg.Text, metaJSON, msg.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
		return nil
	})
}

// DeleteChatMessage removes a message from the student's conversation.
func (s *SQLiteStore) DeleteChatMessage(ctx context.Context, userID, msgID string) error {
	return shared.Retry(ctx, s.retry, "delete chat message", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE user_id = ? AND id = ?`, userID, msgID)
		if err != nil {
			return fmt.Errorf("delete chat message: %w", err)
		}
		return nil
	})
}

// GetTasks returns the tasks filed under a user key, oldest first.
func (s *SQLiteStore) GetTasks(ctx context.Context, userKey string) ([]domain.Task, error) {
	query := `
		SELECT id, title, assigned_by, completed, created_at
		FROM tasks WHERE user_key = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, userKey)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer closeRows(rows, "tasks")

	var tasks []domain.Task
	for rows.Next() {
		var task domain.Task
		var createdAt int64
		if err := rows.Scan(&task.ID, &task.Title, &task.AssignedBy, &task.Completed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.CreatedAt = time.Unix(createdAt, 0)
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// CreateTask files a new task under a user key.
func (s *SQLiteStore) CreateTask(ctx context.Context, userKey string, task domain.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	query := `
	INSERT INTO tasks (user_key, id, title, assigned_by, completed, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.Retry(ctx, s.retry, "create task", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			userKey, task.ID, task.Title, task.AssignedBy, task.Completed, task.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// ToggleTaskCompletion flips a task's completion flag.
func (s *SQLiteStore) ToggleTaskCompletion(ctx context.Context, userKey, taskID string) error {
	query := `UPDATE tasks SET completed = 1 - completed WHERE user_key = ? AND id = ?`
	return shared.Retry(ctx, s.retry, "toggle task", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, userKey, taskID)
		if err != nil {
			return fmt.Errorf("toggle task: %w", err)
		}
		return expectOneRow(result, fmt.Sprintf("task %s", taskID))
	})
}

// GetActiveLeave returns the newest active leave for a user key.
func (s *SQLiteStore) GetActiveLeave(ctx context.Context, userKey string) (*domain.Leave, error) {
	query := `
		SELECT id, user_key, issued_by, expires_on, active
		FROM leaves WHERE user_key = ? AND active = 1
		ORDER BY seq DESC LIMIT 1`

	var leave domain.Leave
	err := s.db.QueryRowContext(ctx, query, userKey).Scan(
		&leave.ID, &leave.UserKey, &leave.IssuedBy, &leave.ExpiresOn, &leave.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan leave: %w", err)
	}
	return &leave, nil
}

// GrantLeave records a wellness leave.
func (s *SQLiteStore) GrantLeave(ctx context.Context, leave domain.Leave) error {
	query := `
	INSERT INTO leaves (id, user_key, issued_by, expires_on, active)
	VALUES (?, ?, ?, ?, ?)`
	return shared.Retry(ctx, s.retry, "grant leave", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query,
			leave.ID, leave.UserKey, leave.IssuedBy, leave.ExpiresOn, leave.Active,
		); err != nil {
			return fmt.Errorf("insert leave: %w", err)
		}
		return nil
	})
}

// GetSlots returns all appointment slots ordered by date and time.
func (s *SQLiteStore) GetSlots(ctx context.Context) ([]domain.Slot, error) {
	query := `
		SELECT id, counselor_id, counselor_name, date, time, status, student_id, student_name
		FROM slots ORDER BY date, time, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer closeRows(rows, "slots")

	var slots []domain.Slot
	for rows.Next() {
		var slot domain.Slot
		var status string
		var studentID, studentName sql.NullString
		if err := rows.Scan(
			&slot.ID, &slot.CounselorID, &slot.CounselorName,
			&slot.Date, &slot.Time, &status, &studentID, &studentName,
		); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slot.Status = domain.SlotStatus(status)
		slot.StudentID = studentID.String
		slot.StudentName = studentName.String
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}
	return slots, nil
}

// CreateSlot adds or replaces an open slot.
func (s *SQLiteStore) CreateSlot(ctx context.Context, slot domain.Slot) error {
	slot.Status = domain.SlotOpen
	slot.StudentID = ""
	slot.StudentName = ""
	if err := slot.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO slots (id, counselor_id, counselor_name, date, time, status, student_id, student_name, updated_at)
	VALUES (?, ?, ?, ?, ?, 'open', NULL, NULL, ?)
	ON CONFLICT(id) DO UPDATE SET
		counselor_id = excluded.counselor_id,
		counselor_name = excluded.counselor_name,
		date = excluded.date,
		time = excluded.time,
		updated_at = excluded.updated_at`

	return shared.Retry(ctx, s.retry, "create slot", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query,
			slot.ID, slot.CounselorID, slot.CounselorName, slot.Date, slot.Time, time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("upsert slot: %w", err)
		}
		return nil
	})
}

// RequestSlot atomically claims an open slot for a student.
// The status check and the binding happen in one statement, so of any number
// of concurrent claims against the same open slot exactly one affects a row.
func (s *SQLiteStore) RequestSlot(ctx context.Context, slotID, studentID, studentName string) (bool, error) {
	if studentID == "" {
		return false, fmt.Errorf("request slot %s: student id is required", slotID)
	}
	query := `
	UPDATE slots SET status = 'requested', student_id = ?, student_name = ?, updated_at = ?
	WHERE id = ? AND status = 'open'`

	var claimed bool
	err := shared.Retry(ctx, s.retry, "request slot", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, studentID, studentName, time.Now().Unix(), slotID)
		if err != nil {
			return fmt.Errorf("request slot: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		claimed = rows == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		slog.Info("slot request rejected", "slot_id", slotID, "student_id", studentID)
	}
	return claimed, nil
}

// CancelSlotRequest returns a requested slot to open if studentID holds it.
func (s *SQLiteStore) CancelSlotRequest(ctx context.Context, slotID, studentID string) (bool, error) {
	query := `
	UPDATE slots SET status = 'open', student_id = NULL, student_name = NULL, updated_at = ?
	WHERE id = ? AND status = 'requested' AND student_id = ?`

	var released bool
	err := shared.Retry(ctx, s.retry, "cancel slot request", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), slotID, studentID)
		if err != nil {
			return fmt.Errorf("cancel slot request: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		released = rows == 1
		return nil
	})
	return released, err
}

// UpdateSlotStatus sets a slot status on behalf of a counselor.
func (s *SQLiteStore) UpdateSlotStatus(ctx context.Context, slotID string, status domain.SlotStatus) error {
	var query string
	switch status {
	case domain.SlotOpen:
		query = `UPDATE slots SET status = 'open', student_id = NULL, student_name = NULL, updated_at = ? WHERE id = ?`
	case domain.SlotRequested, domain.SlotConfirmed:
		// A slot can only move between held states; claiming goes through RequestSlot.
		query = `UPDATE slots SET status = '` + string(status) + `', updated_at = ? WHERE id = ? AND student_id IS NOT NULL`
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}

	return shared.Retry(ctx, s.retry, "update slot status", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), slotID)
		if err != nil {
			return fmt.Errorf("update slot status: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 1 {
			return nil
		}
		exists, err := s.slotExists(ctx, slotID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
		}
		return fmt.Errorf("%w: slot %s is open, cannot set %s", ErrInvalidTransition, slotID, status)
	})
}

func (s *SQLiteStore) slotExists(ctx context.Context, slotID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM slots WHERE id = ?`, slotID).Scan(&n); err != nil {
		return false, fmt.Errorf("check slot: %w", err)
	}
	return n > 0, nil
}

// SaveJournal stores a journal entry, sealing its text when a key is configured.
func (s *SQLiteStore) SaveJournal(ctx context.Context, userID string, entry domain.JournalEntry) error {
	text := entry.Text
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(text)
		if err != nil {
			return fmt.Errorf("seal journal entry: %w", err)
		}
		text = sealed
	}

	query := `
	INSERT INTO journal_entries (id, user_id, mood, sealed_text, created_at)
	VALUES (?, ?, ?, ?, ?)`
	return shared.Retry(ctx, s.retry, "save journal", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query,
			entry.ID, userID, string(entry.Mood), text, entry.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert journal entry: %w", err)
		}
		return nil
	})
}

// ListJournal returns a student's journal entries, newest first.
func (s *SQLiteStore) ListJournal(ctx context.Context, userID string) ([]domain.JournalEntry, error) {
	query := `
		SELECT id, mood, sealed_text, created_at
		FROM journal_entries WHERE user_id = ? ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer closeRows(rows, "journal")

	var entries []domain.JournalEntry
	for rows.Next() {
		var entry domain.JournalEntry
		var mood, text string
		var createdAt int64
		if err := rows.Scan(&entry.ID, &mood, &text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if s.sealer != nil {
			if text, err = s.sealer.Open(text); err != nil {
				return nil, fmt.Errorf("open journal entry %s: %w", entry.ID, err)
			}
		}
		entry.Mood = domain.Mood(mood)
		entry.Text = text
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return entries, nil
}

// GetP2PThread returns the peer messages exchanged between a and b.
func (s *SQLiteStore) GetP2PThread(ctx context.Context, a, b string) ([]domain.PeerMessage, error) {
	query := `
		SELECT id, sender_id, receiver_id, text, sent_at, read
		FROM peer_messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("query peer thread: %w", err)
	}
	defer closeRows(rows, "peer thread")

	var msgs []domain.PeerMessage
	for rows.Next() {
		var msg domain.PeerMessage
		var sentAt int64
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Text, &sentAt, &msg.Read); err != nil {
			return nil, fmt.Errorf("scan peer message: %w", err)
		}
		msg.SentAt = time.Unix(0, sentAt)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer thread: %w", err)
	}
	return msgs, nil
}

// SendP2PMessage appends a peer message.
func (s *SQLiteStore) SendP2PMessage(ctx context.Context, msg domain.PeerMessage) error {
	query := `
	INSERT INTO peer_messages (id, sender_id, receiver_id, text, sent_at, read)
	VALUES (?, ?, ?, ?, ?, ?)`
	return shared.Retry(ctx, s.retry, "send peer message", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.SenderID, msg.ReceiverID, msg.Text, msg.SentAt.UnixNano(), msg.Read,
		); err != nil {
			return fmt.Errorf("insert peer message: %w", err)
		}
		return nil
	})
}

func expectOneRow(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}

var _ Repository = (*SQLiteStore)(nil)
