package dlru

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dlru-project/dlru/pkg/fs"
)

type editorState int

const (
	editorOpen editorState = iota
	editorCommitted
	editorAborted
)

// Editor is the exclusive, transactional handle for mutating one entry's
// values (C5). At most one Editor ever references a given entry at a
// time (I1); once it leaves the Open state every method fails with a
// [StateError].
type Editor struct {
	c *Cache
	e *entry

	written        []bool
	pendingLengths []int64
	hasErrors      bool
	state          editorState

	// recovering marks a placeholder installed for a DIRTY line seen
	// during recovery replay. It owns no cache or entry and is never
	// returned to a caller; reconciliation clears it directly.
	recovering bool
}

func newEditor(c *Cache, e *entry) *Editor {
	return &Editor{
		c:              c,
		e:              e,
		written:        make([]bool, c.valueCount),
		pendingLengths: make([]int64, c.valueCount),
	}
}

func newRecoveryPlaceholderEditor() *Editor {
	return &Editor{recovering: true}
}

func (ed *Editor) checkOpenLocked() error {
	if ed.state != editorOpen {
		return newStateError("editor is no longer open")
	}

	if ed.e.editor != ed {
		return newStateError("editor no longer owns entry %q", ed.e.key)
	}

	return nil
}

func (ed *Editor) checkIndexLocked(i int) error {
	if i < 0 || i >= ed.c.valueCount {
		return newArgumentError("value index out of range: %d", i)
	}

	return nil
}

// NewOutputStream opens a fresh dirty-file stream for value index i.
// Permitted only while the editor still owns its entry. The returned
// stream never reports an I/O error to the caller: any write or close
// failure is captured internally and flips hasErrors, which downgrades
// the eventual commit to a failure that drops the entry (§4.4, §4.9).
func (ed *Editor) NewOutputStream(i int) (io.WriteCloser, error) {
	ed.c.mu.Lock()
	defer ed.c.mu.Unlock()

	if err := ed.checkOpenLocked(); err != nil {
		return nil, err
	}

	if err := ed.checkIndexLocked(i); err != nil {
		return nil, err
	}

	path := dirtyPath(ed.c.dir, ed.e.key, i)

	f, err := ed.c.fsys.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dirty file %q: %w", path, err)
	}

	ed.written[i] = true
	ed.pendingLengths[i] = 0

	return &editorOutputStream{ed: ed, i: i, f: f}, nil
}

// Set writes s to value index i in full, wrapping NewOutputStream.
func (ed *Editor) Set(i int, s string) error {
	w, err := ed.NewOutputStream(i)
	if err != nil {
		return err
	}

	_, _ = w.Write([]byte(s))

	return w.Close()
}

// NewInputStream opens the last committed value at index i. Returns
// (nil, nil) if the entry has never been readable. Permitted only while
// Open.
func (ed *Editor) NewInputStream(i int) (io.ReadCloser, error) {
	ed.c.mu.Lock()
	defer ed.c.mu.Unlock()

	if err := ed.checkOpenLocked(); err != nil {
		return nil, err
	}

	if err := ed.checkIndexLocked(i); err != nil {
		return nil, err
	}

	if !ed.e.readable {
		return nil, nil
	}

	path := cleanPath(ed.c.dir, ed.e.key, i)

	f, err := ed.c.fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open clean file %q: %w", path, err)
	}

	return f, nil
}

// GetString returns the last committed value at index i. The bool
// return is false iff the entry has never been readable.
func (ed *Editor) GetString(i int) (string, bool, error) {
	r, err := ed.NewInputStream(i)
	if err != nil {
		return "", false, err
	}

	if r == nil {
		return "", false, nil
	}

	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return "", false, err
	}

	return string(b), true, nil
}

// Commit atomically publishes the edit, per the 7-step algorithm in
// §4.4.
func (ed *Editor) Commit() error {
	ed.c.mu.Lock()
	defer ed.c.mu.Unlock()

	if err := ed.checkOpenLocked(); err != nil {
		return err
	}

	if !ed.e.readable {
		for i := 0; i < ed.c.valueCount; i++ {
			if !ed.written[i] {
				_ = ed.finishFailureLocked()

				return newStateError("didn't create value for index %d", i)
			}
		}

		for i := 0; i < ed.c.valueCount; i++ {
			exists, err := ed.c.fsys.Exists(dirtyPath(ed.c.dir, ed.e.key, i))
			if err != nil {
				return fmt.Errorf("check dirty file: %w", err)
			}

			if !exists {
				// Open question preserved verbatim: a missing dirty file
				// on first publish is a silent abort — no journal line,
				// no error.
				ed.finishSilentAbortLocked()

				return nil
			}
		}
	}

	if ed.hasErrors {
		return ed.finishStaleRemovalLocked()
	}

	return ed.finishSuccessLocked()
}

// Abort discards all dirty files and, for a first-ever edit, removes the
// entry (§4.4).
func (ed *Editor) Abort() error {
	ed.c.mu.Lock()
	defer ed.c.mu.Unlock()

	return ed.abortLocked()
}

// abortLocked is Abort's body, for callers that already hold the cache
// lock (Cache.Close iterating live editors).
func (ed *Editor) abortLocked() error {
	if err := ed.checkOpenLocked(); err != nil {
		return err
	}

	return ed.finishFailureLocked()
}

// AbortUnlessCommitted aborts the editor if it is still open, and is a
// no-op otherwise. Intended for defer-style cleanup.
func (ed *Editor) AbortUnlessCommitted() error {
	err := ed.Abort()
	if err == nil {
		return nil
	}

	var se *StateError
	if errors.As(err, &se) {
		return nil
	}

	return err
}

func (ed *Editor) deleteDirtyFiles() error {
	var firstErr error

	for i := 0; i < ed.c.valueCount; i++ {
		if err := ed.c.fsys.Remove(dirtyPath(ed.c.dir, ed.e.key, i)); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// finishSilentAbortLocked implements the preserved-verbatim open
// question: cleanup happens, but no journal line is written and no
// error is raised.
func (ed *Editor) finishSilentAbortLocked() {
	_ = ed.deleteDirtyFiles()

	ed.c.index.remove(ed.e.key)
	ed.e.editor = nil
	ed.state = editorAborted
}

// finishFailureLocked implements a plain abort (explicit Abort, or a
// first commit rejected because some value index was never written):
// dirty files are
// deleted; a never-readable entry is dropped from the index with a
// REMOVE line, a previously-readable entry reverts with a CLEAN line for
// its prior lengths, since nothing about its clean value is in doubt.
// Step 7 (redundant-op accounting, maybe enqueue cleanup) always runs.
// A commit downgraded by hasErrors uses finishStaleRemovalLocked
// instead, which additionally evicts a previously-readable entry.
func (ed *Editor) finishFailureLocked() error {
	_ = ed.deleteDirtyFiles()

	var journalErr error

	if !ed.e.readable {
		ed.c.index.remove(ed.e.key)
		journalErr = ed.c.journal.writeRemove(ed.e.key)
	} else {
		journalErr = ed.c.journal.writeClean(ed.e.key, ed.e.lengths)
	}

	ed.e.editor = nil
	ed.state = editorAborted

	ed.c.redundantOpCount++
	ed.c.maybeEnqueueCleanupLocked()

	return journalErr
}

// finishStaleRemovalLocked implements the extra removal step commit
// step 3 requires when hasErrors is set: a write/close failure downgrades
// the commit to an abort, and if the entry was already readable, its
// prior value is now considered stale rather than still current (§9), so
// instead of reverting to a CLEAN line for the old lengths the entry is
// evicted outright — clean files deleted, index entry dropped, REMOVE
// journaled. A never-readable entry is dropped the same way a plain
// failed first commit drops it.
func (ed *Editor) finishStaleRemovalLocked() error {
	_ = ed.deleteDirtyFiles()

	if ed.e.readable {
		for i := 0; i < ed.c.valueCount; i++ {
			if err := ed.c.fsys.Remove(cleanPath(ed.c.dir, ed.e.key, i)); err != nil {
				return fmt.Errorf("remove stale clean file: %w", err)
			}

			ed.c.size -= ed.e.lengths[i]
			ed.e.lengths[i] = 0
		}
	}

	ed.c.index.remove(ed.e.key)

	journalErr := ed.c.journal.writeRemove(ed.e.key)

	ed.e.editor = nil
	ed.state = editorAborted

	ed.c.redundantOpCount++
	ed.c.maybeEnqueueCleanupLocked()

	return journalErr
}

// finishSuccessLocked implements commit steps 4-5 and 7: every value
// with a dirty file is published (rename over the old clean file, if
// any); values without a dirty file retain their previous clean file.
func (ed *Editor) finishSuccessLocked() error {
	for i := 0; i < ed.c.valueCount; i++ {
		dPath := dirtyPath(ed.c.dir, ed.e.key, i)

		exists, err := ed.c.fsys.Exists(dPath)
		if err != nil {
			return fmt.Errorf("check dirty file: %w", err)
		}

		if !exists {
			continue
		}

		cPath := cleanPath(ed.c.dir, ed.e.key, i)

		if err := ed.c.fsys.Remove(cPath); err != nil {
			return fmt.Errorf("remove old clean file: %w", err)
		}

		if err := ed.c.fsys.Rename(dPath, cPath); err != nil {
			return fmt.Errorf("rename dirty to clean: %w", err)
		}

		ed.c.size += ed.pendingLengths[i] - ed.e.lengths[i]
		ed.e.lengths[i] = ed.pendingLengths[i]
	}

	ed.e.readable = true
	ed.e.editor = nil
	ed.c.nextSeq++
	ed.e.seq = ed.c.nextSeq

	if err := ed.c.journal.writeClean(ed.e.key, ed.e.lengths); err != nil {
		return err
	}

	ed.state = editorCommitted

	ed.c.redundantOpCount++
	ed.c.maybeEnqueueCleanupLocked()

	return nil
}

// editorOutputStream wraps a dirty-file handle so that write and close
// failures are captured on the owning Editor instead of being returned
// to the caller.
type editorOutputStream struct {
	ed *Editor
	i  int
	f  fs.File
}

func (s *editorOutputStream) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.ed.pendingLengths[s.i] += int64(n)

	if err != nil {
		s.ed.hasErrors = true
	}

	return len(p), nil
}

func (s *editorOutputStream) Close() error {
	if err := s.f.Close(); err != nil {
		s.ed.hasErrors = true
	}

	return nil
}
