package dlru

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/dlru-project/dlru/pkg/fs"
)

// keyPattern is the full key-validation regex (§3, §4.5).
var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// AnySeq passed as expectedSeq to an internal edit means "don't check
// staleness" — the public Edit always uses it. Snapshot.Edit passes the
// snapshot's own sequence number instead.
const AnySeq int64 = -1

// compactionRedundantOpThreshold and the |index| comparison together
// form the compaction trigger (§4.3).
const compactionRedundantOpThreshold = 2000

// Option configures a Cache at Open time.
type Option func(*Cache)

// WithBackgroundErrorHandler installs a hook invoked with any error
// encountered by the background cleanup task. The task runner
// otherwise swallows all errors (§4.7); the default hook discards them.
func WithBackgroundErrorHandler(f func(error)) Option {
	return func(c *Cache) { c.onBackgroundError = f }
}

// Cache is the bounded, crash-tolerant, on-disk LRU cache (C7). It
// orchestrates the LRU index, journal, Editors, and Snapshots behind a
// single exclusive lock, and schedules eviction/compaction on a
// background task runner.
type Cache struct {
	mu sync.Mutex

	fsys fs.FS
	dir  string

	appVersion int64
	valueCount int
	maxSize    int64

	index   *lruIndex
	journal *journal

	size             int64
	nextSeq          int64
	redundantOpCount int64

	closed bool

	runner            *taskRunner
	onBackgroundError func(error)
}

// Open opens or creates a cache rooted at dir. Fails with an
// [ArgumentError] if valueCount or maxSize isn't positive; fails with a
// wrapped filesystem error if dir can't be created or read.
func Open(fsys fs.FS, dir string, appVersion int64, valueCount int, maxSize int64, opts ...Option) (*Cache, error) {
	if valueCount <= 0 {
		return nil, newArgumentError("value count must be > 0, got %d", valueCount)
	}

	if maxSize <= 0 {
		return nil, newArgumentError("max size must be > 0, got %d", maxSize)
	}

	c := &Cache{
		fsys:       fsys,
		dir:        dir,
		appVersion: appVersion,
		valueCount: valueCount,
		maxSize:    maxSize,
		index:      newLRUIndex(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	if err := recoverJournalBackup(fsys, dir); err != nil {
		return nil, err
	}

	journalPath := joinPath(dir, journalFileName)

	journalExists, err := fsys.Exists(journalPath)
	if err != nil {
		return nil, fmt.Errorf("stat journal: %w", err)
	}

	if journalExists {
		err := c.recoverFromJournal()
		if err != nil {
			if !errors.Is(err, errCorruptJournal) {
				return nil, err
			}

			if err := c.wipeDirectoryLocked(); err != nil {
				return nil, err
			}

			if err := c.initFreshJournal(); err != nil {
				return nil, err
			}
		}
	} else {
		if err := c.initFreshJournal(); err != nil {
			return nil, err
		}
	}

	c.runner = newTaskRunner(c.onBackgroundError)

	return c, nil
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return newArgumentError(`keys must match regex [a-z0-9_-]{1,64}: %q`, key)
	}

	return nil
}

// Get returns a Snapshot for key, or (nil, nil) if the key is absent,
// has never been committed-to, or its value files are missing.
func (c *Cache) Get(key string) (*Snapshot, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	e, ok := c.index.get(key)
	if !ok || !e.readable {
		return nil, nil
	}

	// Preserved verbatim (§9): READ is appended before the snapshot's
	// streams are known to open successfully. If opening fails below,
	// the READ line still stands; the LRU promotion above has already
	// taken effect regardless.
	if err := c.journal.writeRead(key); err != nil {
		return nil, fmt.Errorf("append READ: %w", err)
	}

	c.redundantOpCount++
	c.maybeEnqueueCleanupLocked()

	streams := make([]fs.File, 0, c.valueCount)

	for i := 0; i < c.valueCount; i++ {
		f, err := c.fsys.Open(cleanPath(c.dir, key, i))
		if err != nil {
			for _, s := range streams {
				_ = s.Close()
			}

			return nil, nil
		}

		streams = append(streams, f)
	}

	lengths := make([]int64, c.valueCount)
	copy(lengths, e.lengths)

	return newSnapshot(c, key, e.seq, streams, lengths), nil
}

// Edit opens an Editor for key, or (nil, nil) if an editor is already
// outstanding for it.
func (c *Cache) Edit(key string) (*Editor, error) {
	return c.edit(key, AnySeq)
}

func (c *Cache) edit(key string, expectedSeq int64) (*Editor, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	e, ok := c.index.get(key)

	if expectedSeq != AnySeq {
		if !ok || e.seq != expectedSeq {
			return nil, nil
		}
	}

	if !ok {
		e = newEntry(key, c.valueCount)
		c.index.put(key, e)
	}

	if e.editor != nil {
		return nil, nil
	}

	ed := newEditor(c, e)
	e.editor = ed

	if err := c.journal.writeDirty(key); err != nil {
		e.editor = nil

		if !e.readable {
			c.index.remove(key)
		}

		return nil, fmt.Errorf("append DIRTY: %w", err)
	}

	return ed, nil
}

// Remove deletes key's entry and its clean files, reporting whether it
// was present and not mid-edit.
func (c *Cache) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}

	e, ok := c.index.peek(key)
	if !ok || e.editor != nil {
		return false, nil
	}

	for i := 0; i < c.valueCount; i++ {
		path := cleanPath(c.dir, key, i)

		exists, err := c.fsys.Exists(path)
		if err != nil {
			return false, fmt.Errorf("stat clean file: %w", err)
		}

		if exists {
			if err := c.fsys.Remove(path); err != nil {
				return false, fmt.Errorf("remove clean file: %w", err)
			}
		}

		c.size -= e.lengths[i]
		e.lengths[i] = 0
	}

	c.index.remove(key)

	if err := c.journal.writeRemove(key); err != nil {
		return false, fmt.Errorf("append REMOVE: %w", err)
	}

	c.redundantOpCount++
	c.maybeEnqueueCleanupLocked()

	return true, nil
}

// Size returns the current tracked byte size, the sum of lengths over
// readable entries (modulo a pending cleanup task).
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// MaxSize returns the current budget.
func (c *Cache) MaxSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxSize
}

// Stat is a convenience snapshot of Size, MaxSize, and the number of
// entries currently tracked by the index.
type Stat struct {
	Size       int64
	MaxSize    int64
	EntryCount int
}

// Stat returns a point-in-time snapshot of the cache's size accounting.
func (c *Cache) Stat() Stat {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stat{
		Size:       c.size,
		MaxSize:    c.maxSize,
		EntryCount: c.index.len(),
	}
}

// SetMaxSize updates the budget and schedules a cleanup if needed.
func (c *Cache) SetMaxSize(n int64) error {
	if n <= 0 {
		return newArgumentError("max size must be > 0, got %d", n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.maxSize = n
	c.maybeEnqueueCleanupLocked()

	return nil
}

// Flush trims to size synchronously, then flushes the journal writer.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.trimToSizeLocked(); err != nil {
		return err
	}

	return c.journal.Flush()
}

// Close is idempotent. It aborts every live editor, trims to size,
// closes the journal writer, and stops the background worker.
func (c *Cache) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil
	}

	for _, e := range c.index.all() {
		if e.editor != nil && !e.editor.recovering {
			_ = e.editor.abortLocked()
		}
	}

	trimErr := c.trimToSizeLocked()
	journalErr := c.journal.Close()

	c.closed = true

	c.mu.Unlock()

	c.runner.stop()

	if trimErr != nil {
		return trimErr
	}

	return journalErr
}

// Delete closes the cache, then recursively deletes its directory
// contents.
func (c *Cache) Delete() error {
	closeErr := c.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.fsys.ReadDir(c.dir)
	if err != nil {
		if closeErr != nil {
			return closeErr
		}

		return fmt.Errorf("read cache directory: %w", err)
	}

	for _, de := range entries {
		if err := c.fsys.RemoveAll(joinPath(c.dir, de.Name())); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("remove %s: %w", de.Name(), err)
		}
	}

	return closeErr
}

// IsClosed reports whether Close has completed.
func (c *Cache) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Cache) compactionTriggeredLocked() bool {
	return c.redundantOpCount >= compactionRedundantOpThreshold &&
		c.redundantOpCount >= int64(c.index.len())
}

func (c *Cache) maybeEnqueueCleanupLocked() {
	if c.closed {
		return
	}

	if c.size > c.maxSize || c.compactionTriggeredLocked() {
		c.runner.submit(c.cleanupTask)
	}
}

// cleanupTask is the body run by the background worker (C8): acquire
// the lock, bail if closed, trim to size, compact if triggered.
func (c *Cache) cleanupTask() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if err := c.trimToSizeLocked(); err != nil {
		c.reportBackgroundError(err)

		return
	}

	if c.compactionTriggeredLocked() {
		if err := c.compactLocked(); err != nil {
			c.reportBackgroundError(err)
		}
	}
}

func (c *Cache) reportBackgroundError(err error) {
	if c.onBackgroundError != nil {
		c.onBackgroundError(err)
	}
}

// trimToSizeLocked evicts LRU-order entries until size <= maxSize. It
// stops (without erroring) if the current LRU victim is mid-edit:
// eviction for that entry resumes once its editor commits or aborts.
func (c *Cache) trimToSizeLocked() error {
	for c.size > c.maxSize {
		victim := c.index.lruVictim()
		if victim == nil || victim.editor != nil {
			break
		}

		if err := c.evictLocked(victim); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cache) evictLocked(e *entry) error {
	for i := 0; i < c.valueCount; i++ {
		if err := c.fsys.Remove(cleanPath(c.dir, e.key, i)); err != nil {
			return fmt.Errorf("remove evicted value: %w", err)
		}

		c.size -= e.lengths[i]
		e.lengths[i] = 0
	}

	c.index.remove(e.key)

	if err := c.journal.writeRemove(e.key); err != nil {
		return err
	}

	c.redundantOpCount++

	return nil
}

func (c *Cache) compactLocked() error {
	if err := c.journal.Close(); err != nil {
		return fmt.Errorf("close journal before compaction: %w", err)
	}

	j, err := rebuildJournal(c.fsys, c.dir, c.appVersion, c.valueCount, c.index.all())
	if err != nil {
		return err
	}

	c.journal = j
	c.redundantOpCount = 0

	return nil
}

// recoverFromJournal implements §4.6 step 2: parse the header and body,
// replay each line, then reconcile in-flight DIRTY entries.
func (c *Cache) recoverFromJournal() error {
	f, err := c.fsys.Open(joinPath(c.dir, journalFileName))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	lr := NewLineReader(f)

	if err := parseJournalHeader(lr, c.appVersion, c.valueCount); err != nil {
		return err
	}

	for {
		line, err := lr.ReadLine()
		if err != nil {
			if errors.Is(err, ErrEOF) {
				break
			}

			return err
		}

		op, err := parseJournalOpLine(line, c.valueCount)
		if err != nil {
			return err
		}

		if err := c.replayOp(op); err != nil {
			return err
		}
	}

	if err := c.reconcileAfterReplayLocked(); err != nil {
		return err
	}

	j := newJournal(c.fsys, c.dir, c.appVersion, c.valueCount)
	if err := j.openAppend(); err != nil {
		return err
	}

	c.journal = j

	return nil
}

func (c *Cache) replayOp(op journalOp) error {
	switch op.verb {
	case opClean:
		e, ok := c.index.peek(op.key)
		if !ok {
			e = newEntry(op.key, c.valueCount)
			c.index.put(op.key, e)
		}

		e.readable = true
		e.editor = nil
		copy(e.lengths, op.lengths)

	case opDirty:
		e, ok := c.index.peek(op.key)
		if !ok {
			e = newEntry(op.key, c.valueCount)
			c.index.put(op.key, e)
		}

		e.editor = newRecoveryPlaceholderEditor()

	case opRemove:
		c.index.remove(op.key)

	case opRead:
		c.index.promote(op.key)

	default:
		return corruptJournalf("unexpected verb during replay: %q", op.verb)
	}

	return nil
}

// reconcileAfterReplayLocked implements the post-replay step of §4.6:
// entries left with a placeholder (in-flight at crash time) were never
// durably committed, so their value files — if any made it to disk —
// are discarded and the entry dropped; everything else contributes its
// lengths to size.
func (c *Cache) reconcileAfterReplayLocked() error {
	for _, e := range c.index.all() {
		if e.editor == nil {
			for _, n := range e.lengths {
				c.size += n
			}

			continue
		}

		for i := 0; i < c.valueCount; i++ {
			if err := c.fsys.Remove(cleanPath(c.dir, e.key, i)); err != nil {
				return fmt.Errorf("remove clean file during recovery: %w", err)
			}

			if err := c.fsys.Remove(dirtyPath(c.dir, e.key, i)); err != nil {
				return fmt.Errorf("remove dirty file during recovery: %w", err)
			}
		}

		c.index.remove(e.key)
	}

	return nil
}

// wipeDirectoryLocked implements delete() as used by corrupt-journal
// recovery: remove every directory entry and reset in-memory state.
func (c *Cache) wipeDirectoryLocked() error {
	entries, err := c.fsys.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read cache directory: %w", err)
	}

	for _, de := range entries {
		if err := c.fsys.RemoveAll(joinPath(c.dir, de.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", de.Name(), err)
		}
	}

	c.index = newLRUIndex()
	c.size = 0
	c.nextSeq = 0
	c.redundantOpCount = 0

	return nil
}

// initFreshJournal implements §4.6 step 3: no journal present (fresh
// directory, or just wiped after corruption). Rebuild writes the header
// via the normal compaction path.
func (c *Cache) initFreshJournal() error {
	if err := c.fsys.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	j, err := rebuildJournal(c.fsys, c.dir, c.appVersion, c.valueCount, nil)
	if err != nil {
		return err
	}

	c.journal = j

	return nil
}
