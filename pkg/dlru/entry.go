package dlru

import "fmt"

// entry is the per-key record: value file paths are derived from key and
// index, never stored directly.
type entry struct {
	key string

	// lengths holds the byte length of each committed value. Zero until
	// the first successful commit.
	lengths []int64

	// readable is true iff a complete set of values has ever been
	// committed for this key.
	readable bool

	// editor is the entry's exclusive in-flight Editor, or nil when idle.
	// During recovery replay, DIRTY installs a placeholder (editor with
	// recovering set) marking the entry as needing cleanup at the end of
	// replay; it is never a usable Editor.
	editor *Editor

	// seq is assigned on each successful commit; used to detect stale
	// snapshots and stale edit() calls that pinned an expected sequence.
	seq int64
}

func newEntry(key string, valueCount int) *entry {
	return &entry{
		key:     key,
		lengths: make([]int64, valueCount),
	}
}

func cleanPath(dir, key string, i int) string {
	return joinPath(dir, fmt.Sprintf("%s.%d", key, i))
}

func dirtyPath(dir, key string, i int) string {
	return joinPath(dir, fmt.Sprintf("%s.%d.tmp", key, i))
}
