package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/soilsnap/edge/internal/gateway"
	"github.com/soilsnap/edge/internal/store"
	edgesync "github.com/soilsnap/edge/internal/sync"
	"github.com/soilsnap/edge/internal/types"
)

// mockSender records every operation and answers per URL.
type mockSender struct {
	mu        sync.Mutex
	calls     []types.Operation
	rejectURL map[string]int
	failURL   map[string]bool
}

func newMockSender() *mockSender {
	return &mockSender{rejectURL: map[string]int{}, failURL: map[string]bool{}}
}

func (m *mockSender) Send(ctx context.Context, op types.Operation) (types.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
	if m.failURL[op.URL] {
		return types.SendResult{}, fmt.Errorf("%w: connection refused", gateway.ErrUnreachable)
	}
	if status, ok := m.rejectURL[op.URL]; ok {
		return types.SendResult{OK: false, Status: status}, nil
	}
	return types.SendResult{OK: true, Status: 200}, nil
}

func (m *mockSender) urls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.URL
	}
	return out
}

// recorder collects broadcast events.
type recorder struct {
	mu     sync.Mutex
	events []edgesync.Event
}

func (r *recorder) Broadcast(ev edgesync.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type mockRegistrar struct {
	tags []string
	err  error
}

func (m *mockRegistrar) Register(ctx context.Context, tag string) error {
	m.tags = append(m.tags, tag)
	return m.err
}

type mockMessenger struct {
	msgs []edgesync.Message
}

func (m *mockMessenger) PostMessage(ctx context.Context, msg edgesync.Message) error {
	m.msgs = append(m.msgs, msg)
	return nil
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *store.SQLiteStore, urls ...string) []int64 {
	t.Helper()
	ids := make([]int64, len(urls))
	for i, u := range urls {
		id, err := s.AddPending(context.Background(), types.Operation{URL: u})
		if err != nil {
			t.Fatalf("AddPending failed: %v", err)
		}
		ids[i] = id
	}
	return ids
}

func pendingURLs(t *testing.T, s *store.SQLiteStore) []string {
	t.Helper()
	items, err := s.GetAllPending(context.Background())
	if err != nil {
		t.Fatalf("GetAllPending failed: %v", err)
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Op.URL
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- SaveOrQueue ---

func TestSaveOrQueue_OnlineSuccessIsSynced(t *testing.T) {
	s := openStore(t)
	sender := newMockSender()
	reg := &mockRegistrar{}
	m := NewManager(s, sender, edgesync.DefaultTag, WithRegistrar(reg))

	out, err := m.SaveOrQueue(context.Background(), types.Operation{URL: "/api/location"})
	if err != nil {
		t.Fatalf("SaveOrQueue failed: %v", err)
	}
	if !out.Synced || out.Queued {
		t.Errorf("outcome = %+v, want synced", out)
	}
	if n, _ := s.CountPending(context.Background()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if len(reg.tags) != 0 {
		t.Errorf("registrar called on success: %v", reg.tags)
	}
}

func TestSaveOrQueue_OfflineQueuesWithoutSending(t *testing.T) {
	s := openStore(t)
	sender := newMockSender()
	reg := &mockRegistrar{}
	m := NewManager(s, sender, edgesync.DefaultTag,
		WithOnline(func() bool { return false }),
		WithRegistrar(reg),
	)

	op := types.Operation{Method: "POST", URL: "/api/location", Body: json.RawMessage(`{"latitude":10.1,"longitude":125.2}`)}
	out, err := m.SaveOrQueue(context.Background(), op)
	if err != nil {
		t.Fatalf("SaveOrQueue failed: %v", err)
	}
	if !out.Queued || out.ID == 0 {
		t.Errorf("outcome = %+v, want queued with id", out)
	}
	if len(sender.urls()) != 0 {
		t.Errorf("sender called while offline: %v", sender.urls())
	}
	if len(reg.tags) != 1 || reg.tags[0] != edgesync.DefaultTag {
		t.Errorf("registered tags = %v", reg.tags)
	}
}

func TestSaveOrQueue_FailuresQueue(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*mockSender)
		status int
	}{
		{"unreachable", func(m *mockSender) { m.failURL["/api/x"] = true }, 0},
		{"rejected", func(m *mockSender) { m.rejectURL["/api/x"] = 500 }, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openStore(t)
			sender := newMockSender()
			tt.setup(sender)
			m := NewManager(s, sender, edgesync.DefaultTag)

			out, err := m.SaveOrQueue(context.Background(), types.Operation{URL: "/api/x"})
			if err != nil {
				t.Fatalf("SaveOrQueue failed: %v", err)
			}
			if !out.Queued {
				t.Errorf("outcome = %+v, want queued", out)
			}
			if got := pendingURLs(t, s); !equal(got, []string{"/api/x"}) {
				t.Errorf("pending = %v", got)
			}
		})
	}
}

func TestSaveOrQueue_RegistrationFailureSwallowed(t *testing.T) {
	s := openStore(t)
	reg := &mockRegistrar{err: errors.New("sync unsupported")}
	msg := &mockMessenger{}
	m := NewManager(s, newMockSender(), edgesync.DefaultTag,
		WithOnline(func() bool { return false }),
		WithRegistrar(reg),
		WithMessenger(msg),
	)

	out, err := m.SaveOrQueue(context.Background(), types.Operation{URL: "/api/x"})
	if err != nil || !out.Queued {
		t.Fatalf("SaveOrQueue = %+v, %v", out, err)
	}
	if len(msg.msgs) != 0 {
		t.Errorf("messenger used although a registrar exists: %v", msg.msgs)
	}
}

func TestSaveOrQueue_MessengerFallback(t *testing.T) {
	s := openStore(t)
	msg := &mockMessenger{}
	m := NewManager(s, newMockSender(), edgesync.DefaultTag,
		WithOnline(func() bool { return false }),
		WithMessenger(msg),
	)

	if _, err := m.SaveOrQueue(context.Background(), types.Operation{URL: "/api/x"}); err != nil {
		t.Fatalf("SaveOrQueue failed: %v", err)
	}
	if len(msg.msgs) != 1 || msg.msgs[0].Type != edgesync.MessageProcessQueue {
		t.Errorf("messages = %+v", msg.msgs)
	}
}

type failingStore struct{}

func (failingStore) AddPending(ctx context.Context, op types.Operation) (int64, error) {
	return 0, store.ErrUnavailable
}

func TestSaveOrQueue_StoreUnavailablePropagates(t *testing.T) {
	m := NewManager(failingStore{}, newMockSender(), edgesync.DefaultTag, WithOnline(func() bool { return false }))

	_, err := m.SaveOrQueue(context.Background(), types.Operation{URL: "/api/x"})
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable", err)
	}
}

// --- Replay ---

func TestReplay_FIFOAndDrain(t *testing.T) {
	for _, n := range []int{0, 1, 5, 20} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			s := openStore(t)
			var urls []string
			for i := 0; i < n; i++ {
				urls = append(urls, fmt.Sprintf("/api/op/%d", i))
			}
			enqueue(t, s, urls...)

			sender := newMockSender()
			rec := &recorder{}
			res, err := Replay(context.Background(), s, sender, rec)
			if err != nil {
				t.Fatalf("Replay failed: %v", err)
			}
			if !equal(sender.urls(), urls) {
				t.Errorf("send order = %v, want %v", sender.urls(), urls)
			}
			if left := pendingURLs(t, s); len(left) != 0 {
				t.Errorf("queue not drained: %v", left)
			}
			if res.Sent != n || res.Halted {
				t.Errorf("result = %+v", res)
			}
			evs := rec.types()
			if evs[0] != edgesync.EventStart || evs[len(evs)-1] != edgesync.EventDone {
				t.Errorf("events = %v", evs)
			}
		})
	}
}

func TestReplay_HaltsOnNetworkFailure(t *testing.T) {
	s := openStore(t)
	enqueue(t, s, "/api/A", "/api/B", "/api/C")

	sender := newMockSender()
	sender.failURL["/api/B"] = true
	rec := &recorder{}

	res, err := Replay(context.Background(), s, sender, rec)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if got := sender.urls(); !equal(got, []string{"/api/A", "/api/B"}) {
		t.Errorf("attempted = %v, want [A B]", got)
	}
	if got := pendingURLs(t, s); !equal(got, []string{"/api/B", "/api/C"}) {
		t.Errorf("pending = %v, want [B C]", got)
	}
	if !res.Halted || res.HaltedAt != 2 {
		t.Errorf("result = %+v", res)
	}

	want := []string{edgesync.EventStart, edgesync.EventProgress, edgesync.EventError}
	if got := rec.types(); !equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	last := rec.events[2]
	if last.Index != 2 || last.Total != 3 || last.Err == "" {
		t.Errorf("error event = %+v", last)
	}
}

func TestReplay_ContinuesPastRejection(t *testing.T) {
	s := openStore(t)
	ids := enqueue(t, s, "/api/A", "/api/B", "/api/C")

	sender := newMockSender()
	sender.rejectURL["/api/B"] = 409
	rec := &recorder{}

	res, err := Replay(context.Background(), s, sender, rec)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if got := sender.urls(); !equal(got, []string{"/api/A", "/api/B", "/api/C"}) {
		t.Errorf("attempted = %v", got)
	}
	if got := pendingURLs(t, s); !equal(got, []string{"/api/B"}) {
		t.Errorf("pending = %v, want [B]", got)
	}
	if res.Sent != 2 || res.Rejected != 1 || res.Halted {
		t.Errorf("result = %+v", res)
	}

	progress := rec.events[2]
	want := edgesync.Progress(2, 3, ids[1], false, 409)
	if progress != want {
		t.Errorf("progress for B = %+v, want %+v", progress, want)
	}
	if rec.types()[len(rec.events)-1] != edgesync.EventDone {
		t.Errorf("last event = %v, want done", rec.types())
	}
}

func TestReplay_CancelledContextHalts(t *testing.T) {
	s := openStore(t)
	enqueue(t, s, "/api/A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sender := newMockSender()
	res, err := Replay(ctx, s, sender, edgesync.Discard)
	if err == nil && !res.Halted {
		t.Errorf("result = %+v, want halted or error", res)
	}
	if len(sender.urls()) != 0 {
		t.Errorf("sent after cancellation: %v", sender.urls())
	}
}

// Offline write, connectivity restored, replay drains and announces done.
func TestScenario_QueueWhileOfflineThenReplay(t *testing.T) {
	s := openStore(t)
	sender := newMockSender()
	online := false
	m := NewManager(s, sender, edgesync.DefaultTag, WithOnline(func() bool { return online }))

	body := json.RawMessage(`{"latitude":10.1,"longitude":125.2}`)
	out, err := m.SaveOrQueue(context.Background(), types.Operation{Method: "POST", URL: "/api/location", Body: body})
	if err != nil || !out.Queued {
		t.Fatalf("SaveOrQueue = %+v, %v", out, err)
	}
	if n, _ := s.CountPending(context.Background()); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	online = true
	rec := &recorder{}
	if _, err := Replay(context.Background(), s, sender, rec); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if len(sender.calls) != 1 || string(sender.calls[0].Body) != string(body) {
		t.Errorf("gateway calls = %+v", sender.calls)
	}
	if n, _ := s.CountPending(context.Background()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	evs := rec.types()
	if evs[len(evs)-1] != edgesync.EventDone {
		t.Errorf("events = %v, want trailing SW_SYNC_DONE", evs)
	}
}
