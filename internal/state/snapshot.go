package state

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"omes/internal/schema"
)

// Snapshot captures positions at a point in time.
type Snapshot struct {
	Timestamp      int64           `json:"timestamp"`
	LatestOrdSid   schema.OrdSid   `json:"latestOrdSid"`
	LatestTradeSid schema.TradeSid `json:"latestTradeSid"`
	Positions      []PositionEntry `json:"positions"`
}

// PositionEntry is a single security position.
type PositionEntry struct {
	SecSid schema.SecSid   `json:"secSid"`
	Qty    schema.Quantity `json:"qty"`
}

// Snapshot builds a snapshot from current positions.
func (r *PositionReducer) Snapshot() Snapshot {
	return r.SnapshotWithMeta(0, 0)
}

// SnapshotWithMeta builds a snapshot carrying the latest sids of the session.
func (r *PositionReducer) SnapshotWithMeta(latestOrdSid schema.OrdSid, latestTradeSid schema.TradeSid) Snapshot {
	positions := r.Positions()
	entries := make([]PositionEntry, 0, len(positions))
	for sid, qty := range positions {
		entries = append(entries, PositionEntry{SecSid: sid, Qty: qty})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SecSid < entries[j].SecSid
	})
	return Snapshot{
		Timestamp:      time.Now().UTC().UnixNano(),
		LatestOrdSid:   latestOrdSid,
		LatestTradeSid: latestTradeSid,
		Positions:      entries,
	}
}

// PositionMap returns the snapshot positions keyed by sid.
func (s Snapshot) PositionMap() map[schema.SecSid]schema.Quantity {
	out := make(map[schema.SecSid]schema.Quantity, len(s.Positions))
	for _, e := range s.Positions {
		out[e.SecSid] += e.Qty
	}
	return out
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create snapshot dir %s", dir)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrapf(err, "decode snapshot %s", path)
	}
	return snap, nil
}

// CompareSnapshots checks if two snapshots hold the same positions.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Positions) != len(actual.Positions) {
		return errors.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expected.Positions), len(actual.Positions))
	}
	want := expected.PositionMap()
	for _, entry := range actual.Positions {
		qty, ok := want[entry.SecSid]
		if !ok {
			return errors.Errorf("snapshot missing sec sid: %d", entry.SecSid)
		}
		if qty != entry.Qty {
			return errors.Errorf("snapshot qty mismatch: sec sid=%d expected=%d actual=%d", entry.SecSid, qty, entry.Qty)
		}
	}
	return nil
}
