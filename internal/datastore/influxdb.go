package datastore

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxDBStore records flash-session progress as a time series:
// bytes done / total at each progress report, queryable per session.
type InfluxDBStore struct {
	client   influxdb2.Client
	org      string
	bucket   string
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
}

// NewInfluxDBStore creates a new InfluxDB-backed progress store.
func NewInfluxDBStore(url, token, org, bucket string) (*InfluxDBStore, error) {
	client := influxdb2.NewClient(url, token)

	store := &InfluxDBStore{
		client:   client,
		org:      org,
		bucket:   bucket,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		queryAPI: client.QueryAPI(org),
	}

	if _, err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}

	return store, nil
}

// SaveProgress writes one progress sample for a flash session.
func (s *InfluxDBStore) SaveProgress(point *ProgressPoint) error {
	p := influxdb2.NewPoint(
		"flash_progress",
		map[string]string{
			"session_id": point.SessionID,
			"phase":      point.Phase,
		},
		map[string]interface{}{
			"done":  point.Done,
			"total": point.Total,
		},
		point.Timestamp,
	)

	if err := s.writeAPI.WritePoint(context.Background(), p); err != nil {
		return fmt.Errorf("failed to write progress point: %w", err)
	}

	return nil
}

// GetProgress retrieves progress samples for a session within a time range.
func (s *InfluxDBStore) GetProgress(sessionID string, start, end time.Time) ([]*ProgressPoint, error) {
	query := fmt.Sprintf(`
		from(bucket:"%s")
			|> range(start: %s, stop: %s)
			|> filter(fn: (r) => r["_measurement"] == "flash_progress" and r["session_id"] == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
	`, s.bucket, start.Format(time.RFC3339), end.Format(time.RFC3339), sessionID)

	result, err := s.queryAPI.Query(context.Background(), query)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	defer result.Close()

	var points []*ProgressPoint
	for result.Next() {
		record := result.Record()
		phase, _ := record.ValueByKey("phase").(string)
		done, _ := record.ValueByKey("done").(int64)
		total, _ := record.ValueByKey("total").(int64)
		points = append(points, &ProgressPoint{
			SessionID: sessionID,
			Phase:     phase,
			Done:      int(done),
			Total:     int(total),
			Timestamp: record.Time(),
		})
	}

	return points, result.Err()
}

// Close releases the InfluxDB client.
func (s *InfluxDBStore) Close() error {
	s.client.Close()
	return nil
}
