// Package gmail adapts the Gmail REST API to the remote.Client contract.
package gmail

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

const (
	serviceName = "gmail"
	userID      = "me"

	defaultRequestsPerSecond = 10
	defaultBurst             = 5

	historyPageSize = 500
)

// metadataHeaders are requested for metadata-only fetches.
var metadataHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-ID"}

// Options configures a Client.
type Options struct {
	// RequestsPerSecond bounds the request rate; zero uses a default and a
	// negative value disables limiting.
	RequestsPerSecond float64
	Burst             int
	Logger            *slog.Logger
}

// Client implements remote.Client over a *gmail.Service.
type Client struct {
	svc     *gmailapi.Service
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	address string
}

var _ remote.Client = (*Client)(nil)

// New wraps an existing service.
func New(svc *gmailapi.Service, opts Options) *Client {
	rps := opts.RequestsPerSecond
	if rps == 0 {
		rps = defaultRequestsPerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	limit := rate.Limit(rps)
	if rps < 0 {
		limit = rate.Inf
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		svc:     svc,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// NewWithTokenSource builds the service from an OAuth token source.
func NewWithTokenSource(
	ctx context.Context,
	ts oauth2.TokenSource,
	opts Options,
	clientOpts ...option.ClientOption,
) (*Client, error) {
	clientOpts = append([]option.ClientOption{option.WithTokenSource(ts)}, clientOpts...)
	svc, err := gmailapi.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return New(svc, opts), nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return nil
}

// FetchThreads lists threads matching query and loads each thread's
// metadata.
func (c *Client) FetchThreads(
	ctx context.Context,
	query string,
	max int,
	pageToken string,
) (remote.ThreadPage, error) {
	if err := c.wait(ctx); err != nil {
		return remote.ThreadPage{}, err
	}

	call := c.svc.Users.Threads.List(userID).Q(query)
	if max > 0 {
		call = call.MaxResults(int64(max))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return remote.ThreadPage{}, mapError("threads.list", err)
	}

	page := remote.ThreadPage{NextPageToken: res.NextPageToken}
	for _, t := range res.Threads {
		thread, err := c.FetchThread(ctx, t.Id, false)
		if err != nil {
			if remote.IsNetworkError(err) || remote.IsAuthError(err) {
				return remote.ThreadPage{}, err
			}
			c.logger.Warn("skipping listed thread", "thread", t.Id, "err", err)
			continue
		}
		thread.Messages = nil
		page.Threads = append(page.Threads, *thread)
	}
	return page, nil
}

// FetchThread loads one thread. full selects message bodies; otherwise
// only the metadata headers are fetched.
func (c *Client) FetchThread(ctx context.Context, id string, full bool) (*model.Thread, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	call := c.svc.Users.Threads.Get(userID, id)
	if full {
		call = call.Format("full")
	} else {
		call = call.Format("metadata").MetadataHeaders(metadataHeaders...)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return nil, mapError("threads.get "+id, err)
	}

	thread := threadFromAPI(res, full)
	return &thread, nil
}

// GetHistory collects every change record since cursor across pages.
func (c *Client) GetHistory(ctx context.Context, cursor string) (remote.HistoryPage, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return remote.HistoryPage{}, fmt.Errorf("parsing cursor %q: %w", cursor, remote.ErrCursorExpired)
	}

	out := remote.HistoryPage{Cursor: cursor}
	pageToken := ""
	for {
		if err := c.wait(ctx); err != nil {
			return remote.HistoryPage{}, err
		}

		call := c.svc.Users.History.List(userID).StartHistoryId(start).MaxResults(historyPageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				return remote.HistoryPage{}, fmt.Errorf("history.list from %s: %w", cursor, remote.ErrCursorExpired)
			}
			return remote.HistoryPage{}, mapError("history.list", err)
		}

		out.Records = append(out.Records, historyRecords(res.History)...)
		if res.HistoryId != 0 {
			out.Cursor = strconv.FormatUint(res.HistoryId, 10)
		}

		if res.NextPageToken == "" {
			return out, nil
		}
		pageToken = res.NextPageToken
	}
}

// GetProfile returns the mailbox address and the current history id.
func (c *Client) GetProfile(ctx context.Context) (remote.Profile, error) {
	if err := c.wait(ctx); err != nil {
		return remote.Profile{}, err
	}

	res, err := c.svc.Users.GetProfile(userID).Context(ctx).Do()
	if err != nil {
		return remote.Profile{}, mapError("users.getProfile", err)
	}

	c.mu.Lock()
	c.address = res.EmailAddress
	c.mu.Unlock()

	return remote.Profile{
		Address: res.EmailAddress,
		Cursor:  strconv.FormatUint(res.HistoryId, 10),
	}, nil
}

// ModifyThread adds and removes labels on every message of a thread.
func (c *Client) ModifyThread(ctx context.Context, id string, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	req := &gmailapi.ModifyThreadRequest{AddLabelIds: add, RemoveLabelIds: remove}
	if _, err := c.svc.Users.Threads.Modify(userID, id, req).Context(ctx).Do(); err != nil {
		return mapError("threads.modify "+id, err)
	}
	return nil
}

// TrashThread moves a thread to the trash.
func (c *Client) TrashThread(ctx context.Context, id string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if _, err := c.svc.Users.Threads.Trash(userID, id).Context(ctx).Do(); err != nil {
		return mapError("threads.trash "+id, err)
	}
	return nil
}

// SendMessage builds an RFC 5322 message from payload and sends it.
func (c *Client) SendMessage(ctx context.Context, payload model.SendPayload) (string, error) {
	from, err := c.senderAddress(ctx)
	if err != nil {
		return "", err
	}

	raw, err := buildRawMessage(from, payload)
	if err != nil {
		return "", fmt.Errorf("building message: %w", err)
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	msg := &gmailapi.Message{Raw: encodeRaw(raw), ThreadId: payload.ThreadID}
	res, err := c.svc.Users.Messages.Send(userID, msg).Context(ctx).Do()
	if err != nil {
		return "", mapError("messages.send", err)
	}
	return res.Id, nil
}

// Probe confirms the service answers an authenticated request.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.GetProfile(ctx)
	return err
}

func (c *Client) senderAddress(ctx context.Context) (string, error) {
	c.mu.Lock()
	addr := c.address
	c.mu.Unlock()
	if addr != "" {
		return addr, nil
	}

	profile, err := c.GetProfile(ctx)
	if err != nil {
		return "", err
	}
	return profile.Address, nil
}

func historyRecords(history []*gmailapi.History) []remote.HistoryRecord {
	var out []remote.HistoryRecord
	for _, h := range history {
		for _, m := range h.MessagesAdded {
			if m.Message == nil {
				continue
			}
			out = append(out, remote.HistoryRecord{
				Type:      remote.HistoryMessageAdded,
				ThreadID:  m.Message.ThreadId,
				MessageID: m.Message.Id,
			})
		}
		for _, m := range h.MessagesDeleted {
			if m.Message == nil {
				continue
			}
			out = append(out, remote.HistoryRecord{
				Type:      remote.HistoryMessageDeleted,
				ThreadID:  m.Message.ThreadId,
				MessageID: m.Message.Id,
			})
		}
		for _, l := range h.LabelsAdded {
			if l.Message == nil {
				continue
			}
			out = append(out, remote.HistoryRecord{
				Type:      remote.HistoryLabelAdded,
				ThreadID:  l.Message.ThreadId,
				MessageID: l.Message.Id,
				LabelIDs:  l.LabelIds,
			})
		}
		for _, l := range h.LabelsRemoved {
			if l.Message == nil {
				continue
			}
			out = append(out, remote.HistoryRecord{
				Type:      remote.HistoryLabelRemoved,
				ThreadID:  l.Message.ThreadId,
				MessageID: l.Message.Id,
				LabelIDs:  l.LabelIds,
			})
		}
	}
	return out
}
