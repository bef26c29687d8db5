// Package gmail adapts the Gmail API to the engine's Feed boundary.
// Pagination, raw-content decoding and error classification happen
// here; nothing Gmail-specific leaks past it.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/maildrift/maildrift/internal/auth"
	"github.com/maildrift/maildrift/internal/sync"
)

// The API allows up to 500 ids per list page.
const pageSize = 500

// defaultRetryAfter is used when a throttling response carries no
// Retry-After header.
const defaultRetryAfter = 30 * time.Second

// Client implements sync.Feed over the Gmail API for one account.
type Client struct {
	svc     *gmailapi.Service
	user    string
	limiter *rate.Limiter
}

// New builds a Gmail feed client from a token issued by the external
// token provider. The client paces its own calls; provider throttling
// on top of that is surfaced as sync.RateLimitError.
func New(ctx context.Context, tok *auth.Token) (*Client, error) {
	oauthTok := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	config := &oauth2.Config{
		Scopes: []string{gmailapi.GmailReadonlyScope},
	}

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(config.Client(ctx, oauthTok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	return &Client{
		svc:     svc,
		user:    "me",
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}, nil
}

// ListMessages collects up to max message ids for one label, most
// recent first. Every continuation page is read in full; the cap is
// applied by truncating the collected list.
func (c *Client) ListMessages(ctx context.Context, labelID, query string, max int) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		call := c.svc.Users.Messages.List(c.user).
			Context(ctx).
			MaxResults(pageSize).
			IncludeSpamTrash(true)
		if labelID != "" {
			call = call.LabelIds(labelID)
		}
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, classify(err)
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if len(ids) >= max {
			return ids[:max], nil
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return ids, nil
		}
	}
}

// GetMessage fetches one message in raw format and decodes its
// base64url body.
func (c *Client) GetMessage(ctx context.Context, id string) (*sync.RemoteMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msg, err := c.svc.Users.Messages.Get(c.user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	if msg.Raw == "" {
		return nil, fmt.Errorf("malformed message %s: empty raw content", id)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(msg.Raw, "="))
	if err != nil {
		return nil, fmt.Errorf("malformed message %s: %w", id, err)
	}

	return &sync.RemoteMessage{
		ID:        msg.Id,
		Labels:    msg.LabelIds,
		Raw:       raw,
		HistoryID: msg.HistoryId,
	}, nil
}

// ListHistory returns ids of messages added since cursor for one
// label, chronological by event, plus the cursor to store next. Only
// messageAdded records are requested; deletions and label changes are
// out of scope for the mirror.
func (c *Client) ListHistory(ctx context.Context, cursor, labelID string) ([]string, string, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}

	var added []string
	seen := make(map[string]bool)
	latest := start
	pageToken := ""

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}

		call := c.svc.Users.History.List(c.user).
			Context(ctx).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			MaxResults(pageSize)
		if labelID != "" {
			call = call.LabelId(labelID)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, "", classifyHistory(err)
		}

		for _, h := range resp.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, rec := range h.MessagesAdded {
				id := rec.Message.Id
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				added = append(added, id)
			}
		}
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return added, strconv.FormatUint(latest, 10), nil
}

// ListLabels returns the account's label taxonomy.
func (c *Client) ListLabels(ctx context.Context) ([]sync.Label, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.svc.Users.Labels.List(c.user).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	labels := make([]sync.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		typ := l.Type
		if typ == "" {
			typ = "user"
		}
		labels = append(labels, sync.Label{ID: l.Id, Name: l.Name, Type: typ})
	}
	return labels, nil
}

// CurrentCursor reports the account's present history position.
func (c *Client) CurrentCursor(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	profile, err := c.svc.Users.GetProfile(c.user).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// classify maps an API error into the engine's taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Transport-level failure: worth retrying.
		return fmt.Errorf("%w: %v", sync.ErrTransient, err)
	}

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", sync.ErrAuthExpired, err)
	case gerr.Code == http.StatusTooManyRequests || isRateReason(gerr):
		return &sync.RateLimitError{RetryAfter: retryAfter(gerr)}
	case gerr.Code >= 500:
		return fmt.Errorf("%w: %v", sync.ErrTransient, err)
	}
	return err
}

// classifyHistory additionally maps 404 to the expired-cursor
// condition: the history endpoint answers with not-found once the
// retention horizon (about a week) has passed the start id.
func classifyHistory(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %v", sync.ErrCursorExpired, err)
	}
	return classify(err)
}

func isRateReason(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func retryAfter(gerr *googleapi.Error) time.Duration {
	if v := gerr.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetryAfter
}
