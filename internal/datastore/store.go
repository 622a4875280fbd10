package datastore

import (
	"fmt"
	"time"
)

// Config holds datastore configuration.
type Config struct {
	SQLitePath     string
	InfluxDBURL    string
	InfluxDBOrg    string
	InfluxDBToken  string
	InfluxDBBucket string
}

// CombinedStore implements Store using SQLite for session/identity/VIN
// records and InfluxDB for the progress time series.
type CombinedStore struct {
	sqlite *SQLiteStore
	influx *InfluxDBStore
}

// NewStore creates a new combined datastore.
func NewStore(config *Config) (Store, error) {
	sqlite, err := NewSQLiteStore(config.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQLite store: %w", err)
	}

	influx, err := NewInfluxDBStore(
		config.InfluxDBURL,
		config.InfluxDBToken,
		config.InfluxDBOrg,
		config.InfluxDBBucket,
	)
	if err != nil {
		sqlite.Close()
		return nil, fmt.Errorf("failed to create InfluxDB store: %w", err)
	}

	return &CombinedStore{
		sqlite: sqlite,
		influx: influx,
	}, nil
}

func (s *CombinedStore) SaveFlashSession(session *FlashSession) error {
	return s.sqlite.SaveFlashSession(session)
}

func (s *CombinedStore) GetFlashSession(id string) (*FlashSession, error) {
	return s.sqlite.GetFlashSession(id)
}

func (s *CombinedStore) ListFlashSessions() ([]*FlashSession, error) {
	return s.sqlite.ListFlashSessions()
}

func (s *CombinedStore) SaveECUIdentity(sessionID string, identities map[string][]byte) error {
	return s.sqlite.SaveECUIdentity(sessionID, identities)
}

func (s *CombinedStore) GetECUIdentities(sessionID string) (map[string][]byte, error) {
	return s.sqlite.GetECUIdentities(sessionID)
}

func (s *CombinedStore) SaveVINPatch(record *VINPatchRecord) error {
	return s.sqlite.SaveVINPatch(record)
}

func (s *CombinedStore) GetVINPatches(sessionID string) ([]*VINPatchRecord, error) {
	return s.sqlite.GetVINPatches(sessionID)
}

func (s *CombinedStore) SaveProgress(point *ProgressPoint) error {
	return s.influx.SaveProgress(point)
}

func (s *CombinedStore) GetProgress(sessionID string, start, end time.Time) ([]*ProgressPoint, error) {
	return s.influx.GetProgress(sessionID, start, end)
}

// Close closes both backing stores.
func (s *CombinedStore) Close() error {
	sqliteErr := s.sqlite.Close()
	influxErr := s.influx.Close()

	if sqliteErr != nil {
		return sqliteErr
	}
	return influxErr
}
