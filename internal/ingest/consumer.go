// Package ingest wires the Filesystem Watcher to the Group Assembler: the
// live per-event delivery path the scheduler's catch-up drain exists only
// as a safety net for (spec §4.2/§4.3).
package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dsa110/contimg-core/internal/ingest/assembler"
	"github.com/dsa110/contimg-core/internal/ingest/watcher"
	"github.com/dsa110/contimg-core/internal/platform/dbctx"
	"github.com/dsa110/contimg-core/internal/platform/logger"
)

// pointingSidecar is the optional per-group metadata file dropped alongside
// subband 0 (<dir>/<group_id>.pointing.json). No wire format for pointing
// delivery is specified upstream of this daemon, so this is the one this
// ingest root is expected to use; a missing or malformed sidecar just means
// the group's pointing fields stay null, and CatalogSetup's precondition
// failure surfaces it to the operator via GET /v1/groups/failed.
type pointingSidecar struct {
	RA         float64 `json:"ra"`
	Dec        float64 `json:"dec"`
	ObservedAt *string `json:"observed_at"`
}

// Consumer drains watcher.Events() and forwards each to the assembler as a
// SubbandEvent, populating pointing metadata for subband 0 from its
// sidecar file when present.
type Consumer struct {
	w   *watcher.Watcher
	a   *assembler.Assembler
	log *logger.Logger
}

func NewConsumer(w *watcher.Watcher, a *assembler.Assembler, log *logger.Logger) *Consumer {
	return &Consumer{w: w, a: a, log: log.With("component", "ingest_consumer")}
}

// Run drains events until ctx is cancelled or the watcher's channel closes.
// Each event is handled independently; a failure logs and continues rather
// than blocking the rest of the stream. A failed event is not redelivered:
// the scheduler's catch-up drain reads this same channel and only sees
// events still queued on it.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.w.Events():
			if !ok {
				return
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev watcher.Event) {
	sub := assembler.SubbandEvent{
		GroupID:    ev.GroupID,
		SubbandIdx: ev.SubbandIdx,
		Path:       ev.Path,
		Size:       ev.Size,
		Mtime:      ev.Mtime,
	}
	if ev.SubbandIdx == 0 {
		if ra, dec, observedAt, ok := readPointingSidecar(ev.Path, ev.GroupID); ok {
			sub.PointingRA = &ra
			sub.PointingDec = &dec
			sub.ObservedAt = observedAt
		}
	}
	if err := c.a.Handle(dbctx.Context{Ctx: ctx}, sub); err != nil {
		c.log.Warn("ingest: handle event failed", "group_id", ev.GroupID, "subband_idx", ev.SubbandIdx, "err", err)
	}
}

func readPointingSidecar(subbandPath, groupID string) (ra, dec float64, observedAt *time.Time, ok bool) {
	sidecarPath := filepath.Join(filepath.Dir(subbandPath), groupID+".pointing.json")
	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return 0, 0, nil, false
	}
	var sc pointingSidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return 0, 0, nil, false
	}
	if sc.ObservedAt != nil {
		if t, err := time.Parse(time.RFC3339, *sc.ObservedAt); err == nil {
			observedAt = &t
		}
	}
	return sc.RA, sc.Dec, observedAt, true
}
