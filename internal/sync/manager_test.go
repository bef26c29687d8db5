package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildrift/maildrift/internal/auth"
)

func newTestManager(t *testing.T, feed *fakeFeed) *Manager {
	t.Helper()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","expires_at":4102444800}`)
	}))
	t.Cleanup(tokenSrv.Close)

	m := NewManager(context.Background(), t.TempDir(), auth.NewTokenClient(tokenSrv.URL), nil,
		func(ctx context.Context, token *auth.Token) (Feed, error) {
			return feed, nil
		})
	t.Cleanup(m.StopAll)
	return m
}

// A continuous sync is registered over an HTTP request whose context
// dies the moment the handler returns. The runner must keep going on
// the manager's own lifetime, not the caller's.
func TestStartSyncOutlivesCallerContext(t *testing.T) {
	feed := newFakeFeed()
	feed.currentCursor = "42"
	m := newTestManager(t, feed)

	callerCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.StartSync(callerCtx, Config{
		Account:  "acct",
		Options:  Options{Labels: []string{"INBOX"}},
		Interval: 10 * time.Millisecond,
	}))
	cancel()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, m.IsRunning("acct"), "sync must survive the registering caller's context")

	require.NoError(t, m.StopSync("acct"))
	assert.False(t, m.IsRunning("acct"))
}

func TestStartSyncRejectsDuplicate(t *testing.T) {
	feed := newFakeFeed()
	feed.currentCursor = "42"
	m := newTestManager(t, feed)

	cfg := Config{Account: "acct", Options: Options{Labels: []string{"INBOX"}}, Interval: time.Minute}
	require.NoError(t, m.StartSync(context.Background(), cfg))
	assert.Error(t, m.StartSync(context.Background(), cfg))
}

func TestStopAllCancelsEverything(t *testing.T) {
	feed := newFakeFeed()
	feed.currentCursor = "42"
	m := newTestManager(t, feed)

	for _, account := range []string{"a1", "a2"} {
		require.NoError(t, m.StartSync(context.Background(), Config{
			Account:  account,
			Options:  Options{Labels: []string{"INBOX"}},
			Interval: time.Minute,
		}))
	}
	assert.Len(t, m.RunningSyncs(), 2)

	m.StopAll()
	assert.Empty(t, m.RunningSyncs())
}
