package datastore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists flash session history, ECU identity blocks, and
// the VIN patch audit trail.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS flash_sessions (
			id TEXT PRIMARY KEY,
			ecu_type TEXT NOT NULL,
			vin TEXT,
			operation TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP,
			profile JSON,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ecu_identities (
			session_id TEXT NOT NULL,
			ident TEXT NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (session_id, ident),
			FOREIGN KEY (session_id) REFERENCES flash_sessions(id)
		)`,
		`CREATE TABLE IF NOT EXISTS vin_patches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			old_vin TEXT NOT NULL,
			new_vin TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES flash_sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vin_patches_session
			ON vin_patches(session_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// SaveFlashSession inserts or replaces a session record.
func (s *SQLiteStore) SaveFlashSession(session *FlashSession) error {
	profileJSON, err := json.Marshal(session.Profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO flash_sessions (
			id, ecu_type, vin, operation, status, start_time, end_time, profile, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.Exec(query, session.ID, session.ECUType, session.VIN,
		session.Operation, session.Status, session.StartTime, session.EndTime,
		profileJSON, session.Error)
	if err != nil {
		return fmt.Errorf("failed to save flash session: %w", err)
	}

	return nil
}

// GetFlashSession retrieves a session by id.
func (s *SQLiteStore) GetFlashSession(id string) (*FlashSession, error) {
	query := `SELECT id, ecu_type, vin, operation, status, start_time, end_time, profile, error
		FROM flash_sessions WHERE id = ?`

	var session FlashSession
	var vin, errText sql.NullString
	var endTime sql.NullTime
	var profileJSON []byte

	err := s.db.QueryRow(query, id).Scan(&session.ID, &session.ECUType, &vin,
		&session.Operation, &session.Status, &session.StartTime, &endTime,
		&profileJSON, &errText)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("flash session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flash session: %w", err)
	}

	session.VIN = vin.String
	session.Error = errText.String
	if endTime.Valid {
		session.EndTime = endTime.Time
	}
	if err := json.Unmarshal(profileJSON, &session.Profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	return &session, nil
}

// ListFlashSessions returns all recorded sessions, most recent first.
func (s *SQLiteStore) ListFlashSessions() ([]*FlashSession, error) {
	rows, err := s.db.Query(`SELECT id, ecu_type, vin, operation, status, start_time, end_time, profile, error
		FROM flash_sessions ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flash sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*FlashSession
	for rows.Next() {
		var session FlashSession
		var vin, errText sql.NullString
		var endTime sql.NullTime
		var profileJSON []byte

		if err := rows.Scan(&session.ID, &session.ECUType, &vin, &session.Operation,
			&session.Status, &session.StartTime, &endTime, &profileJSON, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan flash session row: %w", err)
		}

		session.VIN = vin.String
		session.Error = errText.String
		if endTime.Valid {
			session.EndTime = endTime.Time
		}
		if err := json.Unmarshal(profileJSON, &session.Profile); err != nil {
			return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
		}

		sessions = append(sessions, &session)
	}

	return sessions, rows.Err()
}

// SaveECUIdentity stores the identification blocks read during a session.
func (s *SQLiteStore) SaveECUIdentity(sessionID string, identities map[string][]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for ident, data := range identities {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO ecu_identities (session_id, ident, data) VALUES (?, ?, ?)`,
			sessionID, ident, data,
		); err != nil {
			return fmt.Errorf("failed to save ECU identity %s: %w", ident, err)
		}
	}

	return tx.Commit()
}

// GetECUIdentities retrieves the identification blocks for a session.
func (s *SQLiteStore) GetECUIdentities(sessionID string) (map[string][]byte, error) {
	rows, err := s.db.Query(
		`SELECT ident, data FROM ecu_identities WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ECU identities: %w", err)
	}
	defer rows.Close()

	identities := make(map[string][]byte)
	for rows.Next() {
		var ident string
		var data []byte
		if err := rows.Scan(&ident, &data); err != nil {
			return nil, fmt.Errorf("failed to scan ECU identity row: %w", err)
		}
		identities[ident] = data
	}

	return identities, rows.Err()
}

// SaveVINPatch records one VIN search-and-replace.
func (s *SQLiteStore) SaveVINPatch(record *VINPatchRecord) error {
	query := `INSERT INTO vin_patches (session_id, old_vin, new_vin, timestamp)
		VALUES (?, ?, ?, ?)`

	_, err := s.db.Exec(query, record.SessionID, record.OldVIN, record.NewVIN, record.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save VIN patch: %w", err)
	}

	return nil
}

// GetVINPatches retrieves the VIN patch history for a session.
func (s *SQLiteStore) GetVINPatches(sessionID string) ([]*VINPatchRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_id, old_vin, new_vin, timestamp FROM vin_patches
			WHERE session_id = ? ORDER BY timestamp DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query VIN patches: %w", err)
	}
	defer rows.Close()

	var records []*VINPatchRecord
	for rows.Next() {
		var record VINPatchRecord
		if err := rows.Scan(&record.SessionID, &record.OldVIN, &record.NewVIN, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan VIN patch row: %w", err)
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
