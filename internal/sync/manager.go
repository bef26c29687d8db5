package sync

import (
	"context"
	"fmt"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maildrift/maildrift/internal/auth"
	"github.com/maildrift/maildrift/internal/notify"
)

// Config describes one account sync registration.
type Config struct {
	// Account is the mailbox account identifier at the token provider.
	Account string
	// CallerJWT authorizes the token fetch on behalf of the caller.
	CallerJWT string
	// Options parameterize the sync runs for this account.
	Options Options
	// Interval between incremental passes; zero means the default.
	Interval time.Duration
}

// FeedFactory builds a change-feed client from a provider token.
type FeedFactory func(ctx context.Context, token *auth.Token) (Feed, error)

// Manager tracks continuous per-account sync workers.
type Manager struct {
	baseCtx     context.Context
	dataRoot    string
	tokens      *auth.TokenClient
	publisher   *notify.Publisher
	feedFactory FeedFactory

	runnersMutex stdsync.RWMutex
	runners      map[string]context.CancelFunc
}

// NewManager creates a sync manager rooted at dataRoot. Continuous
// syncs live under ctx: they stop when it is cancelled and at no other
// caller's whim.
func NewManager(ctx context.Context, dataRoot string, tokens *auth.TokenClient, publisher *notify.Publisher, feedFactory FeedFactory) *Manager {
	return &Manager{
		baseCtx:     ctx,
		dataRoot:    dataRoot,
		tokens:      tokens,
		publisher:   publisher,
		feedFactory: feedFactory,
		runners:     make(map[string]context.CancelFunc),
	}
}

func (m *Manager) newRunner(ctx context.Context, config Config) (*Runner, error) {
	token, err := m.tokens.GetToken(ctx, config.CallerJWT, config.Account)
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	feed, err := m.feedFactory(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("create feed: %w", err)
	}

	return &Runner{
		DataRoot:  m.dataRoot,
		Account:   config.Account,
		Feed:      feed,
		Publisher: m.publisher,
		Options:   config.Options,
		Interval:  config.Interval,
		Log:       logrus.WithField("account", config.Account),
	}, nil
}

// StartSync launches a continuous background sync for one account.
// ctx scopes only the setup (token fetch, feed construction); the
// runner itself is bound to the manager's context, so an HTTP request
// context ending does not tear the sync down with it.
func (m *Manager) StartSync(ctx context.Context, config Config) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[config.Account]; exists {
		return fmt.Errorf("sync already running for %s", config.Account)
	}

	runner, err := m.newRunner(ctx, config)
	if err != nil {
		return err
	}

	runnerCtx, cancel := context.WithCancel(m.baseCtx)
	m.runners[config.Account] = cancel

	go func() {
		logrus.WithField("account", config.Account).Info("sync start")
		if err := runner.Run(runnerCtx); err != nil {
			logrus.WithField("account", config.Account).WithError(err).Error("sync error")
		}

		m.runnersMutex.Lock()
		delete(m.runners, config.Account)
		m.runnersMutex.Unlock()
		logrus.WithField("account", config.Account).Info("sync stop")
	}()

	return nil
}

// SyncOnce performs a single blocking sync attempt for one account.
func (m *Manager) SyncOnce(ctx context.Context, config Config) (*Result, error) {
	runner, err := m.newRunner(ctx, config)
	if err != nil {
		return nil, err
	}
	return runner.RunOnce(ctx)
}

// ListLabels fetches the remote label taxonomy for an account.
func (m *Manager) ListLabels(ctx context.Context, config Config) ([]Label, error) {
	runner, err := m.newRunner(ctx, config)
	if err != nil {
		return nil, err
	}
	return runner.Feed.ListLabels(ctx)
}

// StopSync stops the continuous sync for an account.
func (m *Manager) StopSync(account string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	cancel, exists := m.runners[account]
	if !exists {
		return fmt.Errorf("no sync running for %s", account)
	}

	cancel()
	delete(m.runners, account)
	return nil
}

// IsRunning reports whether an account has a continuous sync running.
func (m *Manager) IsRunning(account string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()
	_, exists := m.runners[account]
	return exists
}

// StopAll cancels every running sync.
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for account, cancel := range m.runners {
		logrus.WithField("account", account).Info("stopping sync")
		cancel()
	}
	m.runners = make(map[string]context.CancelFunc)
}

// JournalPath returns the journal database location for an account.
func (m *Manager) JournalPath(account string) string {
	return filepath.Join(m.dataRoot, account, "journal.db")
}

// StatePath returns the directory holding checkpoint files.
func (m *Manager) StatePath() string {
	return filepath.Join(m.dataRoot, "sync-state")
}

// RunningSyncs lists accounts with a continuous sync running.
func (m *Manager) RunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var accounts []string
	for account := range m.runners {
		accounts = append(accounts, account)
	}
	return accounts
}
