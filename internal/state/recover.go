package state

import (
	"context"
	"os"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"omes/internal/schema"
)

// PositionSource loads positions from an external store, such as the database.
type PositionSource interface {
	LoadPositions(ctx context.Context) (map[schema.SecSid]schema.Quantity, error)
}

// SidSource reports the highest sids an external store has seen.
type SidSource interface {
	LatestSids(ctx context.Context) (schema.OrdSid, schema.TradeSid, error)
}

// RecoverConfig lists where existing positions come from. Every source that is
// set is merged, later sources overriding earlier ones per security.
type RecoverConfig struct {
	// Positions is the "sid,pos;sid,pos" form.
	Positions    string
	SnapshotPath string
	Source       PositionSource
	// Sids raises the recovered sid watermarks. Optional.
	Sids SidSource
}

// RecoverResult contains the merged positions and the sid watermarks the new
// session must start above.
type RecoverResult struct {
	Positions      map[schema.SecSid]schema.Quantity
	LatestOrdSid   schema.OrdSid
	LatestTradeSid schema.TradeSid
}

// RecoverPositions resolves the existing positions for a new session. A
// snapshot file that does not exist yet is skipped.
func RecoverPositions(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	res := RecoverResult{Positions: make(map[schema.SecSid]schema.Quantity)}

	if cfg.Positions != "" {
		parsed, err := ParsePositions(cfg.Positions)
		if err != nil {
			return RecoverResult{}, err
		}
		merge(res.Positions, parsed)
	}

	if cfg.SnapshotPath != "" {
		snap, err := ReadSnapshot(cfg.SnapshotPath)
		switch {
		case err == nil:
			merge(res.Positions, snap.PositionMap())
			res.LatestOrdSid = snap.LatestOrdSid
			res.LatestTradeSid = snap.LatestTradeSid
		case os.IsNotExist(err):
			logs.Infof("no position snapshot at %s", cfg.SnapshotPath)
		default:
			return RecoverResult{}, err
		}
	}

	if cfg.Source != nil {
		loaded, err := cfg.Source.LoadPositions(ctx)
		if err != nil {
			return RecoverResult{}, errors.Wrap(err, "load positions")
		}
		merge(res.Positions, loaded)
	}

	if cfg.Sids != nil {
		ordSid, tradeSid, err := cfg.Sids.LatestSids(ctx)
		if err != nil {
			return RecoverResult{}, errors.Wrap(err, "load latest sids")
		}
		res.LatestOrdSid = max(res.LatestOrdSid, ordSid)
		res.LatestTradeSid = max(res.LatestTradeSid, tradeSid)
	}

	logs.Infof("recovered %d positions, latest ord sid: %d, latest trade sid: %d", len(res.Positions), res.LatestOrdSid, res.LatestTradeSid)
	return res, nil
}

func merge(dst, src map[schema.SecSid]schema.Quantity) {
	for sid, qty := range src {
		dst[sid] = qty
	}
}
