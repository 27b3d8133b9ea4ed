package lode

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/refinewatch/types"
)

// ErrNoMetricsFound is returned when no metrics records exist in the dataset.
var ErrNoMetricsFound = errors.New("no metrics records found")

// HistoryFilter narrows a history query. Empty fields match everything.
type HistoryFilter struct {
	JobID     string
	FileID    string
	EventType types.EventType
}

func (f HistoryFilter) matchesSnapshot(snap *lode.DatasetSnapshot) bool {
	return snapshotMatchesFilter(snap, "job_id", f.JobID) &&
		snapshotMatchesFilter(snap, "file_id", f.FileID) &&
		snapshotMatchesFilter(snap, "event_type", string(f.EventType))
}

func (f HistoryFilter) matchesRecord(r *types.EventRecord) bool {
	if f.JobID != "" && r.JobID != f.JobID {
		return false
	}
	if f.FileID != "" && r.FileID != f.FileID {
		return false
	}
	return f.EventType == "" || r.Type == f.EventType
}

// QueryHistory reads the recorded events matching the filter, ordered by
// attempt and sequence. A record seen in more than one snapshot
// is returned once.
func QueryHistory(ctx context.Context, ds lode.Dataset, filter HistoryFilter) ([]*types.EventRecord, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "snapshots")
	}

	type recordKey struct {
		session string
		attempt int
		seq     int64
	}
	seen := make(map[recordKey]struct{})
	var out []*types.EventRecord

	for _, snap := range snapshots {
		if !filter.matchesSnapshot(snap) {
			continue
		}
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}
		for _, item := range data {
			row, ok := item.(map[string]any)
			if !ok || row["record_kind"] != RecordKindEvent {
				continue
			}
			rec, err := decodeEventRecord(row)
			if err != nil {
				return nil, WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
			}
			if !filter.matchesRecord(rec) {
				continue
			}
			k := recordKey{rec.SessionID, rec.Attempt, rec.Seq}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, rec)
		}
	}

	slices.SortStableFunc(out, func(a, b *types.EventRecord) int {
		return cmp.Or(
			cmp.Compare(a.Attempt, b.Attempt),
			cmp.Compare(a.Seq, b.Seq),
			a.ReceivedAt.Compare(b.ReceivedAt),
		)
	})
	return out, nil
}

// decodeEventRecord converts a stored row back into an EventRecord.
func decodeEventRecord(row map[string]any) (*types.EventRecord, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var rec types.EventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.JobID == unknownPartition {
		rec.JobID = ""
	}
	if rec.FileID == unknownPartition {
		rec.FileID = ""
	}
	rec.Event.Source = rec.Source
	rec.Event.Synthetic = rec.Synthetic
	return &rec, nil
}

// QueryLatestMetrics finds and reads the most recent metrics record.
// Filters by jobID and fileID if non-empty.
// Returns the raw record map or ErrNoMetricsFound if none exist.
func QueryLatestMetrics(ctx context.Context, ds lode.Dataset, jobID, fileID string) (map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "snapshots")
	}

	// Snapshots are ordered by creation time; walk latest first.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]

		if !snapshotMatchesFilter(snap, "event_type", metricsEventType) ||
			!snapshotMatchesFilter(snap, "job_id", jobID) ||
			!snapshotMatchesFilter(snap, "file_id", fileID) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("snapshot/%s", snap.ID))
		}

		// Manifest paths are a coarse pre-filter; record fields are
		// authoritative.
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindMetrics {
				continue
			}
			if jobID != "" && toString(record["job_id"]) != jobID {
				continue
			}
			if fileID != "" && toString(record["file_id"]) != fileID {
				continue
			}
			return record, nil
		}
	}

	return nil, ErrNoMetricsFound
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
