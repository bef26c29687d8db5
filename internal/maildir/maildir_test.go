package maildir

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "Mail"))
	require.NoError(t, err)
	return s
}

func TestEnsureFolderCreatesSubdivision(t *testing.T) {
	s := newTestStore(t)

	path, err := s.EnsureFolder("INBOX")
	require.NoError(t, err)

	for _, sub := range []string{"tmp", "new", "cur"} {
		info, err := os.Stat(filepath.Join(path, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	// Idempotent.
	again, err := s.EnsureFolder("INBOX")
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestEnsureFolderNested(t *testing.T) {
	s := newTestStore(t)

	path, err := s.EnsureFolder("Labels/Receipts")
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(path, "cur"))
}

func TestWriteUnseenGoesToNew(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Write("INBOX", []byte("From: a@b\r\n\r\nhi"), []string{"INBOX", "UNREAD"}, "m1")
	require.NoError(t, err)

	assert.Equal(t, "new", filepath.Base(filepath.Dir(entry.Path)))
	content, err := os.ReadFile(entry.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("From: a@b\r\n\r\nhi"), content)
}

func TestWriteSeenGoesToCur(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Write("INBOX", []byte("body"), []string{"INBOX"}, "m1")
	require.NoError(t, err)
	assert.Equal(t, "cur", filepath.Base(filepath.Dir(entry.Path)))
}

func TestWriteFilenameFormat(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Write("INBOX", []byte("body"), []string{"INBOX", "STARRED"}, "18c2a9")
	require.NoError(t, err)

	// <timestamp>.<message-id>.<host>:2,<flags>
	assert.Regexp(t, regexp.MustCompile(`^\d+\.18c2a9\.[^:]+:2,FS$`), entry.Filename)
	assert.Equal(t, "FS", entry.Flags)
}

func TestWriteLeavesNoStagingDebris(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write("INBOX", []byte("body"), []string{"INBOX"}, "m1")
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(s.Base(), "INBOX", "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExistsAfterRefresh(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write("INBOX", []byte("one"), []string{"INBOX"}, "m1")
	require.NoError(t, err)
	_, err = s.Write("Sent", []byte("two"), []string{"SENT", "UNREAD"}, "m2")
	require.NoError(t, err)

	// A fresh store over the same tree sees both after one scan.
	reopened, err := NewStore(s.Base())
	require.NoError(t, err)
	require.NoError(t, reopened.RefreshIndex())

	assert.True(t, reopened.Exists("m1"))
	assert.True(t, reopened.Exists("m2"))
	assert.False(t, reopened.Exists("m3"))
}

func TestExistsIgnoresStagingFiles(t *testing.T) {
	s := newTestStore(t)

	_, err := s.EnsureFolder("INBOX")
	require.NoError(t, err)
	stale := filepath.Join(s.Base(), "INBOX", "tmp", "123.mX.host:2,S.deadbeef")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	require.NoError(t, s.RefreshIndex())
	assert.False(t, s.Exists("mX"))
}

// Ids carrying the filename format's separators could never be parsed
// back out of the tree, so Write refuses them up front instead of
// breaking the existence index silently.
func TestWriteRejectsUnusableMessageIDs(t *testing.T) {
	s := newTestStore(t)
	_, err := s.EnsureFolder("INBOX")
	require.NoError(t, err)

	for _, id := range []string{"a.b", "a/b", "a:b", ""} {
		_, werr := s.Write("INBOX", []byte("body"), []string{"INBOX"}, id)
		assert.Error(t, werr, "id %q", id)
		assert.False(t, IsFatal(werr))
	}

	entries, err := os.ReadDir(filepath.Join(s.Base(), "INBOX", "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMessagePath(t *testing.T) {
	s := newTestStore(t)

	entry, err := s.Write("INBOX", []byte("body"), []string{"INBOX"}, "m1")
	require.NoError(t, err)

	path, ok := s.MessagePath("m1")
	assert.True(t, ok)
	assert.Equal(t, entry.Path, path)

	_, ok = s.MessagePath("nope")
	assert.False(t, ok)
}

func TestConcurrentWritesSameFolder(t *testing.T) {
	s := newTestStore(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("msg-%03d", i)
			_, errs[i] = s.Write("INBOX", []byte("body "+id), []string{"INBOX", "UNREAD"}, id)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(filepath.Join(s.Base(), "INBOX", "new"))
	require.NoError(t, err)
	assert.Len(t, entries, n)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}))
	assert.True(t, IsFatal(&os.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}))
	assert.False(t, IsFatal(&os.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}))
	assert.False(t, IsFatal(nil))
}

func TestParseMessageID(t *testing.T) {
	id, ok := parseMessageID("1700000000.18c2a9.host:2,FS")
	assert.True(t, ok)
	assert.Equal(t, "18c2a9", id)

	_, ok = parseMessageID("garbage")
	assert.False(t, ok)
}
