package sink

import (
	"context"
	"fmt"
	"time"

	"Go2NetLabel/internal/alignment"
	"Go2NetLabel/internal/config"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Querier reads labeled data back out of ClickHouse.
type Querier struct {
	conn driver.Conn
}

// NewQuerier connects to the configured ClickHouse server.
func NewQuerier(ctx context.Context, cfg config.ClickHouseConfig) (*Querier, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &Querier{conn: conn}, nil
}

func (q *Querier) Close() error { return q.conn.Close() }

const flowPointsQuery = `
SELECT Timestamp, LabelMulti
FROM flow_samples
WHERE RunID = ?
ORDER BY Timestamp`

const packetPointsQuery = `
SELECT Timestamp, LabelMulti
FROM labeled_packets
WHERE Timestamp BETWEEN ? AND ?
ORDER BY Timestamp`

// FlowDataset loads the labeled flow samples of one run.
func (q *Querier) FlowDataset(ctx context.Context, runID string) (alignment.Dataset, error) {
	return q.points(ctx, "flows_"+runID, flowPointsQuery, runID)
}

// PacketDataset loads the labeled packets captured in [from, to].
func (q *Querier) PacketDataset(ctx context.Context, from, to time.Time) (alignment.Dataset, error) {
	return q.points(ctx, "packets", packetPointsQuery, from, to)
}

func (q *Querier) points(ctx context.Context, name, query string, args ...any) (alignment.Dataset, error) {
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return alignment.Dataset{}, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	ds := alignment.Dataset{Name: name}
	for rows.Next() {
		var p alignment.Point
		if err := rows.Scan(&p.Timestamp, &p.Label); err != nil {
			return alignment.Dataset{}, fmt.Errorf("failed to scan row: %w", err)
		}
		ds.Points = append(ds.Points, p)
	}
	if err := rows.Err(); err != nil {
		return alignment.Dataset{}, err
	}
	if len(ds.Points) == 0 {
		return alignment.Dataset{}, fmt.Errorf("no labeled data found for %s", name)
	}
	return ds, nil
}
