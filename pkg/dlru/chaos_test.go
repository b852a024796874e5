package dlru_test

import (
	"fmt"
	"testing"

	"github.com/dlru-project/dlru/pkg/dlru"
	"github.com/dlru-project/dlru/pkg/fs"
)

// Test_Cache_Survives_Write_Faults drives commits through a fs.Chaos
// wrapper injecting write/sync/rename/close faults, then reopens the same
// directory through a plain, fault-free filesystem and checks two
// properties: Open always recovers to a readable cache (P1), and a key
// whose last commit reported success either reads back that committed
// value or is absent; it never resurfaces as a different value.
func Test_Cache_Survives_Write_Faults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	chaos := fs.NewChaos(fs.NewReal(), 42, &fs.ChaosConfig{
		WriteFailRate:    0.05,
		PartialWriteRate: 0.05,
		ShortWriteRate:   0.5,
		SyncFailRate:     0.05,
		RenameFailRate:   0.03,
		CloseFailRate:    0.03,
		OpenFailRate:     0.02,
	})

	const maxSize = 4096

	c, err := dlru.Open(chaos, dir, 1, 1, maxSize)
	if err != nil {
		t.Fatalf("initial Open under chaos: %v", err)
	}

	committed := make(map[string]string)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("k%d", i%20)
		value := fmt.Sprintf("value-%d", i)

		ed, err := c.Edit(key)
		if err != nil {
			// Injected fault surfaced as a hard error: the cache must
			// still be usable for the next operation.
			continue
		}

		if ed == nil {
			continue
		}

		if err := ed.Set(0, value); err != nil {
			_ = ed.AbortUnlessCommitted()

			continue
		}

		if err := ed.Commit(); err != nil {
			continue
		}

		committed[key] = value
	}

	if err := c.Close(); err != nil {
		t.Logf("Close under chaos reported: %v (acceptable, faults were injected)", err)
	}

	// Reopen through a clean filesystem: recovery must not depend on the
	// chaos wrapper still being present, and must not fail outright.
	clean, err := dlru.Open(fs.NewReal(), dir, 1, 1, maxSize)
	if err != nil {
		t.Fatalf("reopen after chaos must recover cleanly, got: %v", err)
	}

	defer clean.Close()

	for key, value := range committed {
		snap, err := clean.Get(key)
		if err != nil {
			t.Fatalf("Get(%q) after recovery: %v", key, err)
		}

		if snap == nil {
			// A commit whose value write failed still returns nil: the
			// failed write downgrades it to dropping the entry. Absence
			// is therefore not a durability violation by itself. Skip it.
			continue
		}

		got, err := snap.String(0)

		snap.Close()

		if err != nil {
			t.Fatalf("String(0) for %q after recovery: %v", key, err)
		}

		if got != value && got != "" {
			// A committed value must never resurface as a DIFFERENT
			// value; resurfacing as absent/evicted is fine.
			t.Fatalf("key %q: committed %q, recovered %q", key, value, got)
		}
	}
}
