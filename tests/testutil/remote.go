package testutil

import (
	"context"
	"sync"

	"github.com/nhle/mailcache/internal/model"
	"github.com/nhle/mailcache/internal/remote"
)

// ModifyCall records one FakeRemote.ModifyThread call.
type ModifyCall struct {
	ThreadID string
	Add      []string
	Remove   []string
}

// FakeRemote is an in-memory remote.Client. Threads holds full content;
// metadata fetches strip message bodies. Views maps a query to thread ids.
type FakeRemote struct {
	mu sync.Mutex

	Address string
	Cursor  string

	Threads map[string]model.Thread
	Views   map[string][]string

	History       []remote.HistoryRecord
	HistoryCursor string
	HistoryErr    error

	ProfileErr error
	FetchErr   map[string]error
	ModifyErr  map[string]error
	SendErr    error
	ProbeErr   error

	FetchCalls  []string
	FullFetches []string
	Modified    []ModifyCall
	Trashed     []string
	Sent        []model.SendPayload
	HistoryFrom []string

	// FetchGate, when set, blocks every FetchThread until it is closed.
	FetchGate chan struct{}

	inFlight    int
	MaxInFlight int
}

var _ remote.Client = (*FakeRemote)(nil)

// NewFakeRemote returns an empty fake for me@example.com.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		Address:   "me@example.com",
		Cursor:    "100",
		Threads:   make(map[string]model.Thread),
		Views:     make(map[string][]string),
		FetchErr:  make(map[string]error),
		ModifyErr: make(map[string]error),
	}
}

// Put stores a thread with its messages.
func (f *FakeRemote) Put(t model.Thread, messages ...model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Messages = messages
	f.Threads[t.ID] = t
}

// Remove deletes a thread.
func (f *FakeRemote) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Threads, id)
}

// SetHistory replaces the change records returned for any cursor.
func (f *FakeRemote) SetHistory(cursor string, records ...remote.HistoryRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.History = records
	f.HistoryCursor = cursor
}

// Calls returns a snapshot of the recorded mutations.
func (f *FakeRemote) Calls() (modified []ModifyCall, trashed []string, sent []model.SendPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ModifyCall(nil), f.Modified...),
		append([]string(nil), f.Trashed...),
		append([]model.SendPayload(nil), f.Sent...)
}

// Fetches returns the ids passed to FetchThread so far.
func (f *FakeRemote) Fetches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.FetchCalls...)
}

func (f *FakeRemote) FetchThreads(ctx context.Context, query string, max int, pageToken string) (remote.ThreadPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var page remote.ThreadPage
	for _, id := range f.Views[query] {
		if len(page.Threads) == max {
			break
		}
		t, ok := f.Threads[id]
		if !ok {
			continue
		}
		t.Messages = nil
		page.Threads = append(page.Threads, t)
	}
	return page, nil
}

func (f *FakeRemote) FetchThread(ctx context.Context, id string, full bool) (*model.Thread, error) {
	f.mu.Lock()
	f.FetchCalls = append(f.FetchCalls, id)
	if full {
		f.FullFetches = append(f.FullFetches, id)
	}
	f.inFlight++
	if f.inFlight > f.MaxInFlight {
		f.MaxInFlight = f.inFlight
	}
	gate := f.FetchGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--

	if err := f.FetchErr[id]; err != nil {
		return nil, err
	}
	t, ok := f.Threads[id]
	if !ok {
		return nil, remote.ErrNotFound
	}

	msgs := make([]model.Message, len(t.Messages))
	copy(msgs, t.Messages)
	if !full {
		for i := range msgs {
			msgs[i].BodyText = ""
			msgs[i].BodyHTML = ""
		}
	}
	t.Messages = msgs
	return &t, nil
}

func (f *FakeRemote) GetHistory(ctx context.Context, cursor string) (remote.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HistoryFrom = append(f.HistoryFrom, cursor)
	if f.HistoryErr != nil {
		return remote.HistoryPage{}, f.HistoryErr
	}
	next := f.HistoryCursor
	if next == "" {
		next = cursor
	}
	return remote.HistoryPage{
		Records: append([]remote.HistoryRecord(nil), f.History...),
		Cursor:  next,
	}, nil
}

func (f *FakeRemote) GetProfile(ctx context.Context) (remote.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ProfileErr != nil {
		return remote.Profile{}, f.ProfileErr
	}
	return remote.Profile{Address: f.Address, Cursor: f.Cursor}, nil
}

func (f *FakeRemote) ModifyThread(ctx context.Context, id string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ModifyErr[id]; err != nil {
		return err
	}
	f.Modified = append(f.Modified, ModifyCall{ThreadID: id, Add: add, Remove: remove})
	if t, ok := f.Threads[id]; ok {
		t.Labels = model.ApplyLabelDiff(t.Labels, add, remove)
		f.Threads[id] = t
	}
	return nil
}

func (f *FakeRemote) TrashThread(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ModifyErr[id]; err != nil {
		return err
	}
	f.Trashed = append(f.Trashed, id)
	return nil
}

func (f *FakeRemote) SendMessage(ctx context.Context, payload model.SendPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.Sent = append(f.Sent, payload)
	return "sent-" + payload.Subject, nil
}

func (f *FakeRemote) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ProbeErr
}
