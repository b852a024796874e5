package dlru

import (
	"fmt"
	"io"

	"github.com/dlru-project/dlru/pkg/fs"
)

// Snapshot is an immutable view of an entry's values at a point in time
// (C6): the tuple (key, sequenceNumber, openedStreams[V], lengths[V]).
// Streams are opened eagerly when the Snapshot is created and remain
// valid until it is closed, independent of later edits or evictions.
type Snapshot struct {
	c   *Cache
	key string
	seq int64

	streams []fs.File
	lengths []int64

	closed bool
}

func newSnapshot(c *Cache, key string, seq int64, streams []fs.File, lengths []int64) *Snapshot {
	return &Snapshot{
		c:       c,
		key:     key,
		seq:     seq,
		streams: streams,
		lengths: lengths,
	}
}

// InputStream returns the opened read stream for value index i.
func (s *Snapshot) InputStream(i int) (io.Reader, error) {
	if i < 0 || i >= len(s.streams) {
		return nil, newArgumentError("value index out of range: %d", i)
	}

	return s.streams[i], nil
}

// String reads value index i in full and returns it as a string.
func (s *Snapshot) String(i int) (string, error) {
	r, err := s.InputStream(i)
	if err != nil {
		return "", err
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read snapshot value %d: %w", i, err)
	}

	return string(b), nil
}

// Length returns the byte length of value index i as observed at
// snapshot creation.
func (s *Snapshot) Length(i int) (int64, error) {
	if i < 0 || i >= len(s.lengths) {
		return 0, newArgumentError("value index out of range: %d", i)
	}

	return s.lengths[i], nil
}

// Edit opens an Editor for the snapshotted key, but only if the entry
// has not been committed-to or removed since the snapshot was taken
// (P7): it returns nil, nil if the entry's sequence number has since
// advanced or the entry is gone.
func (s *Snapshot) Edit() (*Editor, error) {
	return s.c.edit(s.key, s.seq)
}

// Close closes every owned stream, swallowing errors.
func (s *Snapshot) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	for _, f := range s.streams {
		_ = f.Close()
	}

	return nil
}
