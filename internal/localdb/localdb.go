package localdb

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nantokaworks/streamlive/internal/shared/logger"
	"go.uber.org/zap"
)

var DBClient *sql.DB

// SetupDB opens (or returns) the singleton local database and creates the
// schema. WAL mode plus a busy timeout guards against writer contention, and
// the pool is capped at one connection since SQLite allows a single writer.
func SetupDB(dbPath string) (*sql.DB, error) {
	if DBClient != nil {
		return DBClient, nil
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	if err := SetupMessagesTable(db); err != nil {
		db.Close()
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS wallet_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		coins INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		logger.Error("Failed to create wallet_snapshot table", zap.Error(err))
		db.Close()
		return nil, fmt.Errorf("failed to create wallet_snapshot table: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS session_history (
		session_id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		title TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at INTEGER,
		ended_at INTEGER
	)`)
	if err != nil {
		logger.Error("Failed to create session_history table", zap.Error(err))
		db.Close()
		return nil, fmt.Errorf("failed to create session_history table: %w", err)
	}

	// Install the singleton only once the schema is in place, so a failed
	// setup does not leave a broken handle behind.
	DBClient = db
	return db, nil
}

// GetDB returns the current database connection.
func GetDB() *sql.DB {
	return DBClient
}

// SaveWalletSnapshot stores the last backend-confirmed balance so the UI has
// a value to show before the first refresh. Never used as balance truth.
func SaveWalletSnapshot(coins int, updatedAtUnix int64) error {
	db := GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	_, err := db.Exec(`INSERT OR REPLACE INTO wallet_snapshot (id, coins, updated_at) VALUES (1, ?, ?)`,
		coins, updatedAtUnix)
	if err != nil {
		logger.Error("Failed to save wallet snapshot", zap.Error(err))
		return fmt.Errorf("failed to save wallet snapshot: %w", err)
	}
	return nil
}

// LoadWalletSnapshot returns the stored balance snapshot, or ok=false when
// none has been saved yet.
func LoadWalletSnapshot() (coins int, updatedAtUnix int64, ok bool, err error) {
	db := GetDB()
	if db == nil {
		return 0, 0, false, fmt.Errorf("database not initialized")
	}

	err = db.QueryRow(`SELECT coins, updated_at FROM wallet_snapshot WHERE id = 1`).Scan(&coins, &updatedAtUnix)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, false, nil
		}
		logger.Error("Failed to load wallet snapshot", zap.Error(err))
		return 0, 0, false, err
	}
	return coins, updatedAtUnix, true, nil
}

// RecordSessionHistory upserts a session into the local history list.
func RecordSessionHistory(sessionID, hostID, title, mode string, startedAt, endedAt int64) error {
	db := GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}

	_, err := db.Exec(`INSERT OR REPLACE INTO session_history (session_id, host_id, title, mode, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, hostID, title, mode, startedAt, endedAt)
	if err != nil {
		logger.Error("Failed to record session history", zap.Error(err), zap.String("session_id", sessionID))
		return fmt.Errorf("failed to record session history: %w", err)
	}
	return nil
}
