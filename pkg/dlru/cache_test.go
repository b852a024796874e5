package dlru_test

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dlru-project/dlru/pkg/dlru"
	"github.com/dlru-project/dlru/pkg/fs"
)

const testAppVersion = 100

func openTestCache(t *testing.T, valueCount int, maxSize int64) (*dlru.Cache, string) {
	t.Helper()

	dir := t.TempDir()
	real := fs.NewReal()

	c, err := dlru.Open(real, dir, testAppVersion, valueCount, maxSize)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	return c, dir
}

func setValues(t *testing.T, c *dlru.Cache, key string, values ...string) {
	t.Helper()

	ed, err := c.Edit(key)
	require.NoError(t, err)
	require.NotNil(t, ed)

	for i, v := range values {
		require.NoError(t, ed.Set(i, v))
	}

	require.NoError(t, ed.Commit())
}

func snapshotStrings(t *testing.T, snap *dlru.Snapshot, n int) []string {
	t.Helper()

	out := make([]string, n)

	for i := 0; i < n; i++ {
		s, err := snap.String(i)
		require.NoError(t, err)

		out[i] = s
	}

	return out
}

func Test_Cache_Basic_Commit_Then_Get(t *testing.T) {
	c, _ := openTestCache(t, 2, 1<<20)

	setValues(t, c, "k1", "ABC", "DE")

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()

	require.Equal(t, []string{"ABC", "DE"}, snapshotStrings(t, snap, 2))

	l0, err := snap.Length(0)
	require.NoError(t, err)
	require.EqualValues(t, 3, l0)

	l1, err := snap.Length(1)
	require.NoError(t, err)
	require.EqualValues(t, 2, l1)
}

func Test_Cache_Get_Returns_Nil_For_Never_Committed_Key(t *testing.T) {
	c, _ := openTestCache(t, 2, 1<<20)

	ed, err := c.Edit("k1")
	require.NoError(t, err)
	require.NotNil(t, ed)
	// entry has a DIRTY line in the journal but was never committed.

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.Nil(t, snap)

	require.NoError(t, ed.Abort())
}

func Test_Cache_Abort_Drops_Never_Readable_Entry(t *testing.T) {
	c, dir := openTestCache(t, 2, 1<<20)

	ed, err := c.Edit("k1")
	require.NoError(t, err)

	require.NoError(t, ed.Set(0, "AB"))
	require.NoError(t, ed.Set(1, "C"))
	require.NoError(t, ed.Abort())

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.Nil(t, snap)

	for _, name := range []string{"k1.0", "k1.1", "k1.0.tmp", "k1.1.tmp"} {
		exists, err := fs.NewReal().Exists(dir + "/" + name)
		require.NoError(t, err)
		require.Falsef(t, exists, "expected %s to be absent", name)
	}
}

func Test_Cache_Edit_Returns_Nil_When_Editor_Already_Outstanding(t *testing.T) {
	c, _ := openTestCache(t, 1, 1<<20)

	ed1, err := c.Edit("k1")
	require.NoError(t, err)
	require.NotNil(t, ed1)

	ed2, err := c.Edit("k1")
	require.NoError(t, err)
	require.Nil(t, ed2)

	require.NoError(t, ed1.Abort())
}

func Test_Cache_Commit_Fails_IllegalState_When_Value_Missing_On_First_Publish(t *testing.T) {
	c, _ := openTestCache(t, 2, 1<<20)

	ed, err := c.Edit("k1")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, "A"))
	// index 1 never written.

	err = ed.Commit()

	var stateErr *dlru.StateError
	require.ErrorAs(t, err, &stateErr)

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.Nil(t, snap)
}

func Test_Cache_Second_Commit_Keeps_Prior_Value_For_Untouched_Index(t *testing.T) {
	c, _ := openTestCache(t, 2, 1<<20)

	setValues(t, c, "k1", "A", "B")

	ed, err := c.Edit("k1")
	require.NoError(t, err)
	require.NoError(t, ed.Set(0, "C"))
	// index 1 left untouched: the entry was already readable, so this is
	// a partial update, not a first publish.
	require.NoError(t, ed.Commit())

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()

	require.Equal(t, []string{"C", "B"}, snapshotStrings(t, snap, 2))
}

func Test_Cache_Eviction_On_Insert_Evicts_Oldest(t *testing.T) {
	c, _ := openTestCache(t, 2, 10)

	setValues(t, c, "a", "a", "aaa")   // size 4
	setValues(t, c, "b", "bb", "bbbb") // size 6, total 10
	setValues(t, c, "c", "c", "c")     // size 2, total 12 -> evict a, total 8

	require.NoError(t, c.Flush())

	require.EqualValues(t, 8, c.Size())

	snap, err := c.Get("a")
	require.NoError(t, err)
	require.Nil(t, snap)

	snapB, err := c.Get("b")
	require.NoError(t, err)
	require.NotNil(t, snapB)
	snapB.Close()

	snapC, err := c.Get("c")
	require.NoError(t, err)
	require.NotNil(t, snapC)
	snapC.Close()
}

func Test_Cache_Single_Entry_Larger_Than_MaxSize_Is_Evicted_Immediately(t *testing.T) {
	c, _ := openTestCache(t, 1, 4)

	setValues(t, c, "big", "way too large for the budget")

	require.NoError(t, c.Flush())

	snap, err := c.Get("big")
	require.NoError(t, err)
	require.Nil(t, snap)
}

func Test_Cache_Recovers_State_Across_Close_And_Reopen(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	c1, err := dlru.Open(real, dir, testAppVersion, 2, 1<<20)
	require.NoError(t, err)

	setValues(t, c1, "k1", "ABC", "DE")
	require.NoError(t, c1.Close())

	c2, err := dlru.Open(real, dir, testAppVersion, 2, 1<<20)
	require.NoError(t, err)
	defer c2.Close()

	snap, err := c2.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()

	require.Equal(t, []string{"ABC", "DE"}, snapshotStrings(t, snap, 2))
}

func Test_Cache_Recovers_Journal_Backup_Left_By_External_Rename(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	c1, err := dlru.Open(real, dir, testAppVersion, 1, 1<<20)
	require.NoError(t, err)

	setValues(t, c1, "k1", "value")
	require.NoError(t, c1.Close())

	require.NoError(t, real.Rename(dir+"/journal", dir+"/journal.bkp"))

	c2, err := dlru.Open(real, dir, testAppVersion, 1, 1<<20)
	require.NoError(t, err)
	defer c2.Close()

	bkpExists, err := real.Exists(dir + "/journal.bkp")
	require.NoError(t, err)
	require.False(t, bkpExists)

	journalExists, err := real.Exists(dir + "/journal")
	require.NoError(t, err)
	require.True(t, journalExists)

	snap, err := c2.Get("k1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	snap.Close()
}

func Test_Cache_Corrupt_Journal_Header_Wipes_Directory(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	c1, err := dlru.Open(real, dir, testAppVersion, 1, 1<<20)
	require.NoError(t, err)

	setValues(t, c1, "k1", "value")
	require.NoError(t, c1.Close())

	f, err := real.OpenFile(dir+"/journal", os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c2, err := dlru.Open(real, dir, testAppVersion, 1, 1<<20)
	require.NoError(t, err)
	defer c2.Close()

	snap, err := c2.Get("k1")
	require.NoError(t, err)
	require.Nil(t, snap)

	require.EqualValues(t, 0, c2.Size())
}

func Test_Cache_Snapshot_Edit_Returns_Nil_After_Commit_Since_Snapshot(t *testing.T) {
	c, _ := openTestCache(t, 1, 1<<20)

	setValues(t, c, "k1", "v1")

	snap, err := c.Get("k1")
	require.NoError(t, err)
	defer snap.Close()

	setValues(t, c, "k1", "v2")

	ed, err := snap.Edit()
	require.NoError(t, err)
	require.Nil(t, ed)
}

func Test_Cache_Snapshot_Edit_Succeeds_When_Unchanged_Since_Snapshot(t *testing.T) {
	c, _ := openTestCache(t, 1, 1<<20)

	setValues(t, c, "k1", "v1")

	snap, err := c.Get("k1")
	require.NoError(t, err)
	defer snap.Close()

	ed, err := snap.Edit()
	require.NoError(t, err)
	require.NotNil(t, ed)

	require.NoError(t, ed.Abort())
}

func Test_Cache_Key_Validation_Boundary_Behaviors(t *testing.T) {
	c, _ := openTestCache(t, 1, 1<<20)

	invalid := []string{
		"has space",
		"has\rcr",
		"has\nlf",
		"has/slash",
		"café", // non-ASCII
		"",
		string(make([]byte, 65)), // too long (NUL bytes, still len 65)
	}

	for _, key := range invalid {
		_, err := c.Edit(key)

		var argErr *dlru.ArgumentError
		require.ErrorAsf(t, err, &argErr, "key %q should be rejected", key)
	}

	valid := []string{"a", "abc-def_123", "z"}

	for _, key := range valid {
		ed, err := c.Edit(key)
		require.NoErrorf(t, err, "key %q should be accepted", key)
		require.NotNil(t, ed)
		require.NoError(t, ed.Abort())
	}
}

func Test_Cache_Remove_Deletes_Clean_Files_And_Returns_True(t *testing.T) {
	c, dir := openTestCache(t, 1, 1<<20)

	setValues(t, c, "k1", "value")

	ok, err := c.Remove("k1")
	require.NoError(t, err)
	require.True(t, ok)

	exists, err := fs.NewReal().Exists(dir + "/k1.0")
	require.NoError(t, err)
	require.False(t, exists)

	snap, err := c.Get("k1")
	require.NoError(t, err)
	require.Nil(t, snap)
}

func Test_Cache_Remove_Returns_False_For_Absent_Key(t *testing.T) {
	c, _ := openTestCache(t, 1, 1<<20)

	ok, err := c.Remove("does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Cache_Operations_Fail_After_Close(t *testing.T) {
	dir := t.TempDir()
	c, err := dlru.Open(fs.NewReal(), dir, testAppVersion, 1, 1<<20)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.True(t, c.IsClosed())

	_, err = c.Edit("k1")
	require.ErrorIs(t, err, dlru.ErrClosed)

	_, err = c.Get("k1")
	require.ErrorIs(t, err, dlru.ErrClosed)
}

func Test_Cache_Open_Rejects_NonPositive_MaxSize_And_ValueCount(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	_, err := dlru.Open(real, dir, testAppVersion, 0, 100)
	var argErr *dlru.ArgumentError
	require.ErrorAs(t, err, &argErr)

	_, err = dlru.Open(real, dir, testAppVersion, 1, 0)
	require.ErrorAs(t, err, &argErr)
}

func Test_Cache_Set_Max_Size_Triggers_Eviction(t *testing.T) {
	c, _ := openTestCache(t, 1, 1<<20)

	setValues(t, c, "a", "aaaa")
	setValues(t, c, "b", "bbbb")

	require.NoError(t, c.SetMaxSize(4))
	require.NoError(t, c.Flush())

	require.LessOrEqual(t, c.Size(), int64(4))
}

func Test_Editor_InputStream_Reads_Last_Committed_Value_During_Edit(t *testing.T) {
	c, _ := openTestCache(t, 1, 1<<20)

	setValues(t, c, "k1", "original")

	ed, err := c.Edit("k1")
	require.NoError(t, err)

	r, err := ed.NewInputStream(0)
	require.NoError(t, err)
	require.NotNil(t, r)

	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "original", string(b))

	require.NoError(t, ed.Abort())
}
