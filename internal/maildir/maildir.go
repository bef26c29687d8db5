// Package maildir implements the local half of the mirror: a Maildir
// tree compatible with notmuch and standard mail tools.
//
// Every folder holds three subdirectories:
//
//	tmp/  messages being delivered (atomic write in progress)
//	new/  delivered, unseen messages
//	cur/  messages carrying the seen flag
//
// Message filenames follow <timestamp>.<message-id>.<host>:2,<flags>.
// The engine treats the tree as append-only; files are never rewritten
// or moved once delivered, so external indexers can consume the layout
// as read-only input.
package maildir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

var subdirs = [...]string{"tmp", "new", "cur"}

// Entry describes one delivered message file.
type Entry struct {
	Folder   string `json:"folder"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Flags    string `json:"flags"`
}

// Store is a durable, idempotent writer for the Maildir layout of one
// account. Writes to the same folder are serialized; distinct folders
// may be written concurrently.
type Store struct {
	base string
	host string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	indexMu sync.RWMutex
	index   map[string]string // message id -> delivered path
}

// NewStore opens (creating if needed) the Maildir rooted at base.
func NewStore(base string) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create maildir root: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	// Colons and slashes are reserved by the filename format.
	host = strings.NewReplacer(":", "-", "/", "-").Replace(host)

	return &Store{
		base:  base,
		host:  host,
		locks: make(map[string]*sync.Mutex),
		index: make(map[string]string),
	}, nil
}

// Base returns the Maildir root path.
func (s *Store) Base() string {
	return s.base
}

// EnsureFolder creates the tmp/new/cur subdivision for a folder. Safe
// to call repeatedly and concurrently; calls for the same folder are
// serialized on the folder lock.
func (s *Store) EnsureFolder(folder string) (string, error) {
	lock := s.folderLock(folder)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.base, filepath.FromSlash(folder))
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return "", fmt.Errorf("create folder %s: %w", folder, err)
		}
	}
	return path, nil
}

// RefreshIndex rebuilds the in-memory existence index with a single
// scan of the tree. Called once at the start of a sync run so Exists
// never has to probe the filesystem per message.
func (s *Store) RefreshIndex() error {
	index := make(map[string]string)

	err := filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		parent := filepath.Base(filepath.Dir(path))
		if parent != "new" && parent != "cur" {
			return nil
		}
		if id, ok := parseMessageID(d.Name()); ok {
			index[id] = path
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan maildir: %w", err)
	}

	s.indexMu.Lock()
	s.index = index
	s.indexMu.Unlock()
	return nil
}

// Exists reports whether a message has already been delivered to any
// folder. Answered from the index; call RefreshIndex first.
func (s *Store) Exists(messageID string) bool {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	_, ok := s.index[messageID]
	return ok
}

// MessagePath returns the delivered path for a message id, if present.
func (s *Store) MessagePath(messageID string) (string, bool) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	path, ok := s.index[messageID]
	return path, ok
}

// Write delivers a message into folder. The content is staged under
// tmp/ with a uniquified name, then renamed atomically into new/ or
// cur/ depending on the seen flag. Callers check Exists first; Write
// itself does not de-duplicate.
//
// The filename format reserves "." as its field separator, so message
// ids containing it (or a path separator) are rejected: such a file
// could never be matched back to its id by the index scan.
func (s *Store) Write(folder string, content []byte, labels []string, messageID string) (*Entry, error) {
	if strings.ContainsAny(messageID, "./:") || messageID == "" {
		return nil, fmt.Errorf("unusable message id %q", messageID)
	}

	folderPath, err := s.EnsureFolder(folder)
	if err != nil {
		return nil, err
	}

	lock := s.folderLock(folder)
	lock.Lock()
	defer lock.Unlock()

	flags := Flags(labels)
	filename := fmt.Sprintf("%d.%s.%s:2,%s", time.Now().Unix(), messageID, s.host, flags)

	// The staging name carries a uuid suffix so concurrent deliveries
	// into the same folder can never collide in tmp/, even though the
	// final name is derived from message identity alone.
	staging := filepath.Join(folderPath, "tmp", filename+"."+uuid.NewString())
	if err := writeFileSync(staging, content); err != nil {
		return nil, fmt.Errorf("stage message %s: %w", messageID, err)
	}

	destDir := "cur"
	if !Seen(labels) {
		destDir = "new"
	}
	dest := filepath.Join(folderPath, destDir, filename)

	if err := os.Rename(staging, dest); err != nil {
		_ = os.Remove(staging)
		return nil, fmt.Errorf("deliver message %s: %w", messageID, err)
	}

	s.indexMu.Lock()
	s.index[messageID] = dest
	s.indexMu.Unlock()

	return &Entry{
		Folder:   folder,
		Filename: filename,
		Path:     dest,
		Flags:    flags,
	}, nil
}

// IsFatal reports whether a storage error must abort the whole run
// rather than fail a single message: the disk is full or the tree is
// not writable, so every further write would fail the same way.
func IsFatal(err error) bool {
	return errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EDQUOT) ||
		errors.Is(err, fs.ErrPermission)
}

func (s *Store) folderLock(folder string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[folder]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[folder] = lock
	}
	return lock
}

func writeFileSync(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// parseMessageID extracts the message id from a delivered filename of
// the form <timestamp>.<message-id>.<host>:2,<flags>.
func parseMessageID(name string) (string, bool) {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) != 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
