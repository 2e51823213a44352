package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsa110/contimg-core/internal/platform/logger"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name       string
		wantGroup  string
		wantIdx    int
		wantOK     bool
	}{
		{"2026-07-30T12:00:00_sb00.uvh5", "2026-07-30T12:00:00", 0, true},
		{"2026-07-30T12:00:00_sb15.uvh5", "2026-07-30T12:00:00", 15, true},
		{"not-a-subband-file.txt", "", 0, false},
		{"2026-07-30T12-00-00_sb07.uvh5", "2026-07-30T12-00-00", 7, true},
	}
	for _, c := range cases {
		group, idx, ok := Parse(c.name)
		if ok != c.wantOK {
			t.Fatalf("Parse(%q): ok=%v want=%v", c.name, ok, c.wantOK)
		}
		if !ok {
			continue
		}
		if group != c.wantGroup || idx != c.wantIdx {
			t.Fatalf("Parse(%q): got (%s,%d) want (%s,%d)", c.name, group, idx, c.wantGroup, c.wantIdx)
		}
	}
}

func TestWatcher_BackfillSkipsKnown(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "2026-07-30T12:00:00_sb00.uvh5"), "data0")
	mustWrite(t, filepath.Join(dir, "2026-07-30T12:00:00_sb01.uvh5"), "data1")
	mustWrite(t, filepath.Join(dir, "garbage.txt"), "nope")

	known := func(groupID string, idx int) bool {
		return idx == 1
	}

	w, err := New(dir, 10*time.Millisecond, logger.NewNop(), known)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.Backfill(); err != nil {
		t.Fatalf("Backfill: %v", err)
	}

	// Backfill emits synchronously into a buffered channel, so every event
	// it produced is already queued by the time it returns.
	var got []Event
	for {
		select {
		case ev := <-w.Events():
			got = append(got, ev)
		default:
			goto drained
		}
	}
drained:

	if len(got) != 1 {
		t.Fatalf("expected 1 backfilled event (subband 0 only), got %d: %+v", len(got), got)
	}
	if got[0].SubbandIdx != 0 {
		t.Fatalf("expected subband 0, got %d", got[0].SubbandIdx)
	}
	if w.ParseFailures() != 1 {
		t.Fatalf("expected 1 parse failure for garbage.txt, got %d", w.ParseFailures())
	}
}

func mustWrite(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
