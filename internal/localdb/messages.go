package localdb

import (
	"database/sql"
	"time"

	"github.com/nantokaworks/streamlive/internal/domain"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

// SetupMessagesTable creates the messages table backing the full-chat view.
func SetupMessagesTable(db *sql.DB) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT DEFAULT '',
		body TEXT DEFAULT '',
		gift_id TEXT DEFAULT '',
		cost INTEGER DEFAULT 0,
		ts INTEGER NOT NULL
	)`

	if _, err := db.Exec(createTableSQL); err != nil {
		logger.Error("Failed to create messages table", zap.Error(err))
		return err
	}

	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id)`); err != nil {
		logger.Warn("Failed to create messages message_id index", zap.Error(err))
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_session_ts ON messages(session_id, ts)`); err != nil {
		logger.Warn("Failed to create messages session/ts index", zap.Error(err))
	}

	return nil
}

// InsertMessage stores a message. Returns true if inserted, false when the
// message_id already exists (the durable leg of id-based dedup).
func InsertMessage(sessionID string, msg domain.Message) (bool, error) {
	db := GetDB()
	if db == nil {
		logger.Error("Database not initialized")
		return false, sql.ErrConnDone
	}

	if msg.TS == 0 {
		msg.TS = time.Now().UnixMilli()
	}

	result, err := db.Exec(`
	INSERT OR IGNORE INTO messages (message_id, session_id, kind, user_id, username, body, gift_id, cost, ts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		sessionID,
		string(msg.Kind),
		msg.UserID,
		msg.Username,
		msg.Text,
		msg.GiftID,
		msg.Cost,
		msg.TS,
	)
	if err != nil {
		logger.Error("Failed to insert message", zap.Error(err))
		return false, err
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected == 0 {
		return false, nil
	}

	return true, nil
}

// MessagesSince returns stored messages for a session with ts >= since,
// ordered by (ts, message_id).
func MessagesSince(sessionID string, sinceTS int64, limit int) ([]domain.Message, error) {
	db := GetDB()
	if db == nil {
		logger.Error("Database not initialized")
		return nil, sql.ErrConnDone
	}

	query := `
	SELECT message_id, kind, user_id, username, body, gift_id, cost, ts
	FROM messages
	WHERE session_id = ? AND ts >= ?
	ORDER BY ts ASC, message_id ASC
	`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = db.Query(query+" LIMIT ?", sessionID, sinceTS, limit)
	} else {
		rows, err = db.Query(query, sessionID, sinceTS)
	}
	if err != nil {
		logger.Error("Failed to query messages", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var kind string
		if err := rows.Scan(
			&msg.ID,
			&kind,
			&msg.UserID,
			&msg.Username,
			&msg.Text,
			&msg.GiftID,
			&msg.Cost,
			&msg.TS,
		); err != nil {
			logger.Error("Failed to scan message", zap.Error(err))
			continue
		}
		msg.Kind = domain.MessageKind(kind)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		logger.Error("Error iterating messages", zap.Error(err))
		return nil, err
	}

	return messages, nil
}

// CleanupChatBefore deletes chat messages older than the cutoff. Gift, join
// and leave rows are kept regardless of age.
func CleanupChatBefore(cutoffTS int64) error {
	db := GetDB()
	if db == nil {
		logger.Error("Database not initialized")
		return sql.ErrConnDone
	}

	result, err := db.Exec(`DELETE FROM messages WHERE ts < ? AND kind = ?`, cutoffTS, string(domain.KindChat))
	if err != nil {
		logger.Error("Failed to cleanup chat messages", zap.Error(err))
		return err
	}

	if rowsAffected, err := result.RowsAffected(); err == nil && rowsAffected > 0 {
		logger.Debug("Cleaned up old chat messages", zap.Int64("deleted", rowsAffected))
	}

	return nil
}

// MessageExists checks whether a message_id is already stored.
func MessageExists(messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}

	db := GetDB()
	if db == nil {
		logger.Error("Database not initialized")
		return false, sql.ErrConnDone
	}

	var exists int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE message_id = ? LIMIT 1`, messageID).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		logger.Error("Failed to check message existence", zap.Error(err))
		return false, err
	}

	return true, nil
}
