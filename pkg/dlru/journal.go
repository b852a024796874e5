package dlru

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dlru-project/dlru/pkg/fs"
)

const (
	journalMagic   = "libcore.io.DiskLruCache"
	journalVersion = "1"

	journalFileName = "journal"
	journalTmpName  = "journal.tmp"
	journalBkpName  = "journal.bkp"
)

// Journal operation verbs, per the line grammar in §4.3:
//
//	"DIRTY"  SP key LF
//	"CLEAN"  SP key (SP decimal_length){V} LF
//	"READ"   SP key LF
//	"REMOVE" SP key LF
const (
	opDirty  = "DIRTY"
	opClean  = "CLEAN"
	opRead   = "READ"
	opRemove = "REMOVE"
)

// journalOp is one parsed body line.
type journalOp struct {
	verb    string
	key     string
	lengths []int64 // populated only for opClean
}

// journal is the append-only textual log (C4): header, then zero or more
// operation lines. The writer is a buffered append handle over the
// current journal file; durable appends (DIRTY, CLEAN, REMOVE) flush and
// fsync before returning, READ appends may stay buffered until the next
// durable append or an explicit Flush.
type journal struct {
	fsys       fs.FS
	dir        string
	appVersion int64
	valueCount int

	file fs.File
	bw   *bufio.Writer
}

func newJournal(fsys fs.FS, dir string, appVersion int64, valueCount int) *journal {
	return &journal{
		fsys:       fsys,
		dir:        dir,
		appVersion: appVersion,
		valueCount: valueCount,
	}
}

func (j *journal) path() string    { return joinPath(j.dir, journalFileName) }
func (j *journal) tmpPath() string { return joinPath(j.dir, journalTmpName) }
func (j *journal) bkpPath() string { return joinPath(j.dir, journalBkpName) }

// openAppend opens the existing journal file for appending.
func (j *journal) openAppend() error {
	f, err := j.fsys.OpenFile(j.path(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal for append: %w", err)
	}

	j.file = f
	j.bw = bufio.NewWriter(f)

	return nil
}

func (j *journal) writeDirty(key string) error {
	return j.appendLine(opDirty+" "+key, true)
}

func (j *journal) writeClean(key string, lengths []int64) error {
	var b strings.Builder

	b.WriteString(opClean)
	b.WriteByte(' ')
	b.WriteString(key)

	for _, n := range lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(n, 10))
	}

	return j.appendLine(b.String(), true)
}

func (j *journal) writeRemove(key string) error {
	return j.appendLine(opRemove+" "+key, true)
}

func (j *journal) writeRead(key string) error {
	return j.appendLine(opRead+" "+key, false)
}

func (j *journal) appendLine(line string, durable bool) error {
	if _, err := j.bw.WriteString(line); err != nil {
		return fmt.Errorf("write journal line: %w", err)
	}

	if err := j.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write journal line: %w", err)
	}

	if !durable {
		return nil
	}

	return j.flushAndSync()
}

func (j *journal) flushAndSync() error {
	if err := j.bw.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}

	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}

	return nil
}

// Flush flushes buffered (non-durable) writes, e.g. a pending READ line.
func (j *journal) Flush() error {
	if err := j.bw.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}

	return nil
}

// Close flushes and closes the underlying journal file.
func (j *journal) Close() error {
	flushErr := j.Flush()
	closeErr := j.file.Close()

	if flushErr != nil {
		return flushErr
	}

	return closeErr
}

// recoverJournalBackup resolves a crash that landed mid-compaction-swap,
// per §4.3/§4.6 step 1: if journal.bkp exists and journal also exists,
// the swap had already completed when the crash hit — drop the stale
// backup. If only journal.bkp exists, the crash landed between the two
// renames — promote the backup back to the live journal.
func recoverJournalBackup(fsys fs.FS, dir string) error {
	bkpPath := joinPath(dir, journalBkpName)
	journalPath := joinPath(dir, journalFileName)

	bkpExists, err := fsys.Exists(bkpPath)
	if err != nil {
		return fmt.Errorf("stat journal.bkp: %w", err)
	}

	if !bkpExists {
		return nil
	}

	journalExists, err := fsys.Exists(journalPath)
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}

	if journalExists {
		if err := fsys.Remove(bkpPath); err != nil {
			return fmt.Errorf("remove journal.bkp: %w", err)
		}

		return nil
	}

	if err := fsys.Rename(bkpPath, journalPath); err != nil {
		return fmt.Errorf("promote journal.bkp: %w", err)
	}

	return nil
}

// rebuildJournal compacts the journal: a fresh file containing only the
// header and, for each live entry, a single DIRTY (editor in flight) or
// CLEAN (readable) line. Returns a journal already reopened for append.
//
// Swap sequence (§4.3): write journal.tmp, durably → if journal exists,
// rename journal → journal.bkp → rename journal.tmp → journal → delete
// journal.bkp → reopen the append writer. Rename-to-an-existing-path is
// always performed as delete-then-rename, since [fs.FS.Rename] does not
// promise to replace an existing destination.
func rebuildJournal(fsys fs.FS, dir string, appVersion int64, valueCount int, entries []*entry) (*journal, error) {
	j := newJournal(fsys, dir, appVersion, valueCount)

	if err := writeFreshJournalFile(fsys, j.tmpPath(), appVersion, valueCount, entries); err != nil {
		return nil, err
	}

	journalExists, err := fsys.Exists(j.path())
	if err != nil {
		return nil, fmt.Errorf("stat journal: %w", err)
	}

	if journalExists {
		if err := fsys.Remove(j.bkpPath()); err != nil {
			return nil, fmt.Errorf("remove stale journal.bkp: %w", err)
		}

		if err := fsys.Rename(j.path(), j.bkpPath()); err != nil {
			return nil, fmt.Errorf("rename journal to journal.bkp: %w", err)
		}
	}

	if err := fsys.Rename(j.tmpPath(), j.path()); err != nil {
		return nil, fmt.Errorf("rename journal.tmp to journal: %w", err)
	}

	if journalExists {
		if err := fsys.Remove(j.bkpPath()); err != nil {
			return nil, fmt.Errorf("remove journal.bkp after swap: %w", err)
		}
	}

	if err := j.openAppend(); err != nil {
		return nil, err
	}

	return j, nil
}

// writeFreshJournalFile renders the header plus one line per entry into
// an in-memory buffer, then hands it to [fs.AtomicWriter] so the
// temp-file-create, fsync, rename-over-path, dir-fsync dance backing
// "durably write journal.tmp" is shared with every other durable
// single-file write in the package rather than hand-rolled again here.
func writeFreshJournalFile(fsys fs.FS, path string, appVersion int64, valueCount int, entries []*entry) error {
	var buf bytes.Buffer

	bw := bufio.NewWriter(&buf)

	if err := writeJournalHeader(bw, appVersion, valueCount); err != nil {
		return fmt.Errorf("render journal header: %w", err)
	}

	for _, e := range entries {
		if err := writeJournalEntryLine(bw, e); err != nil {
			return fmt.Errorf("render journal entry %q: %w", e.key, err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("render journal: %w", err)
	}

	if err := fs.NewAtomicWriter(fsys).WriteWithDefaults(path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func writeJournalEntryLine(w *bufio.Writer, e *entry) error {
	var line string

	switch {
	case e.editor != nil:
		line = opDirty + " " + e.key
	case e.readable:
		var b strings.Builder

		b.WriteString(opClean)
		b.WriteByte(' ')
		b.WriteString(e.key)

		for _, n := range e.lengths {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatInt(n, 10))
		}

		line = b.String()
	default:
		// Neither readable nor mid-edit: nothing to retain.
		return nil
	}

	if _, err := w.WriteString(line); err != nil {
		return err
	}

	return w.WriteByte('\n')
}

func writeJournalHeader(w *bufio.Writer, appVersion int64, valueCount int) error {
	lines := []string{
		journalMagic,
		journalVersion,
		strconv.FormatInt(appVersion, 10),
		strconv.Itoa(valueCount),
		"",
	}

	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}

		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}

	return nil
}

// parseJournalHeader validates the 5-line header against the expected
// appVersion/valueCount. Any mismatch, including a short read, is
// reported as a corrupt journal (wrapped errCorruptJournal); a genuine
// I/O failure from the underlying reader is returned as-is.
func parseJournalHeader(lr *LineReader, appVersion int64, valueCount int) error {
	want := []string{
		journalMagic,
		journalVersion,
		strconv.FormatInt(appVersion, 10),
		strconv.Itoa(valueCount),
		"",
	}

	for _, w := range want {
		line, err := lr.ReadLine()
		if err != nil {
			if errors.Is(err, ErrEOF) {
				return corruptJournalf("truncated header")
			}

			return err
		}

		if line != w {
			return corruptJournalf("header mismatch: got %q, want %q", line, w)
		}
	}

	return nil
}

// parseJournalOpLine parses one body line per the grammar in §4.3. Any
// deviation — unknown verb, wrong arity, non-decimal length, embedded
// CR in the key — is reported as a corrupt journal.
func parseJournalOpLine(line string, valueCount int) (journalOp, error) {
	parts := strings.Split(line, " ")
	if len(parts) < 2 {
		return journalOp{}, corruptJournalf("malformed op line: %q", line)
	}

	verb, key := parts[0], parts[1]

	if strings.ContainsRune(key, '\r') {
		return journalOp{}, corruptJournalf("embedded CR in key: %q", line)
	}

	switch verb {
	case opDirty, opRead, opRemove:
		if len(parts) != 2 {
			return journalOp{}, corruptJournalf("wrong arity for %s: %q", verb, line)
		}

		return journalOp{verb: verb, key: key}, nil

	case opClean:
		if len(parts) != 2+valueCount {
			return journalOp{}, corruptJournalf("wrong arity for CLEAN: %q", line)
		}

		lengths := make([]int64, valueCount)

		for i, s := range parts[2:] {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil || n < 0 {
				return journalOp{}, corruptJournalf("bad length %q: %q", s, line)
			}

			lengths[i] = n
		}

		return journalOp{verb: verb, key: key, lengths: lengths}, nil

	default:
		return journalOp{}, corruptJournalf("unknown verb %q: %q", verb, line)
	}
}
