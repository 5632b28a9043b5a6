package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/teamrelay/teamrelay/internal/classify"
	"github.com/teamrelay/teamrelay/internal/dispatch"
	"github.com/teamrelay/teamrelay/internal/gateway"
	"github.com/teamrelay/teamrelay/internal/session"
	"github.com/teamrelay/teamrelay/internal/transport"
)

const testGroup = "120363@g.us"

type fakeClient struct {
	mu     sync.Mutex
	events chan transport.Event

	group     *transport.GroupInfo
	sentTexts []string
	pollID    string
	pollErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		events: make(chan transport.Event, 16),
		group: &transport.GroupInfo{
			ID:      testGroup,
			Subject: "Assistant Team",
			Participants: []transport.Participant{
				{ID: "4917@s.whatsapp.net"},
			},
		},
		pollID: "req-7",
	}
}

func (f *fakeClient) Connect(context.Context) error          { return nil }
func (f *fakeClient) Disconnect()                            {}
func (f *fakeClient) ClearCredentials(context.Context) error { return nil }
func (f *fakeClient) HasCredentials() bool                   { return true }
func (f *fakeClient) SelfID() (string, bool)                 { return "4917@s.whatsapp.net", true }
func (f *fakeClient) Events() <-chan transport.Event         { return f.events }
func (f *fakeClient) Close()                                 {}

func (f *fakeClient) SendText(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return "txt-1", nil
}

func (f *fakeClient) SendPoll(context.Context, string, string, []string) (string, error) {
	if f.pollErr != nil {
		return "", f.pollErr
	}
	return f.pollID, nil
}

func (f *fakeClient) SendButtons(context.Context, string, string, []transport.Button) (string, error) {
	return "btn-1", nil
}

func (f *fakeClient) GroupInfo(context.Context, string) (*transport.GroupInfo, error) {
	return f.group, nil
}

func (f *fakeClient) FindGroupBySubject(context.Context, string) (*transport.GroupInfo, error) {
	return f.group, nil
}

func (f *fakeClient) CreateGroup(context.Context, string, []string) (*transport.GroupInfo, error) {
	return f.group, nil
}

func (f *fakeClient) AddParticipants(context.Context, string, []string) error { return nil }

func (f *fakeClient) DecryptPollVote(context.Context, *transport.MessageEvent) (*transport.PollVoteResult, error) {
	return nil, errors.New("no ballot")
}

func (f *fakeClient) StoredPoll(context.Context, string) (*transport.PollPayload, error) {
	return nil, errors.New("unknown poll")
}

func (f *fakeClient) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sentTexts))
	copy(out, f.sentTexts)
	return out
}

// backend records every request body by path.
type backend struct {
	mu       sync.Mutex
	requests map[string][]string
	pending  string
	reply    string
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.requests[r.URL.Path] = append(b.requests[r.URL.Path], string(body))
		b.mu.Unlock()
	}
	mux.HandleFunc("/api/messages/inbound", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]any{"internalMessageId": 31, "generatedOptionsCount": 3})
	})
	mux.HandleFunc("/api/team/chat", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]string{"reply": b.reply})
	})
	mux.HandleFunc("/api/team/mirror", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/approvals/pending", func(w http.ResponseWriter, r *http.Request) {
		if b.pending == "" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, b.pending)
	})
	mux.HandleFunc("/api/approvals/decision", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
	})
	return mux
}

func (b *backend) bodies(path string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.requests[path]))
	copy(out, b.requests[path])
	return out
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestEngine(t *testing.T, b *backend) (*Engine, *fakeClient) {
	t.Helper()
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	gw := gateway.NewClient(srv.URL, "", 2*time.Second, discard())
	e := New(Options{
		Gateway:     gw,
		TeamSubject: "Assistant Team",
		Policy:      session.Policy{MaxAttempts: 2, RetryDelay: 5 * time.Millisecond, StartupDelay: 5 * time.Millisecond},
		Log:         discard(),
	})
	client := newFakeClient()
	if err := e.AddAccount(RoleUser, client); err != nil {
		t.Fatalf("add account: %v", err)
	}
	return e, client
}

func startConnected(t *testing.T, e *Engine, client *fakeClient) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	client.events <- transport.ConnectedEvent{}
	waitFor(t, "team group resolution", func() bool { return e.TeamGroupID() == testGroup })
}

func teamText(text string) transport.MessageEvent {
	return transport.MessageEvent{
		MessageID: "m1",
		Chat:      testGroup,
		Sender:    "4918@s.whatsapp.net",
		IsGroup:   true,
		Kind:      transport.PayloadText,
		Text:      text,
	}
}

func TestTeamVoteSubmitsDecision(t *testing.T) {
	b := &backend{requests: map[string][]string{}, pending: `{"messageId":7}`}
	e, client := newTestEngine(t, b)
	startConnected(t, e, client)

	if _, err := e.DispatchApproval(context.Background(), dispatch.Request{
		ApprovalID: "42",
		PromptText: "Pick a reply",
		Options:    []string{"Yes", "Maybe", "Later"},
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	client.events <- teamText("B")
	waitFor(t, "decision submit", func() bool { return len(b.bodies("/api/approvals/decision")) == 1 })

	var got struct {
		MessageID   *int64 `json:"messageId"`
		OptionIndex *int   `json:"optionIndex"`
		Action      string `json:"action"`
	}
	if err := json.Unmarshal([]byte(b.bodies("/api/approvals/decision")[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MessageID == nil || *got.MessageID != 7 {
		t.Errorf("messageId = %v, want 7", got.MessageID)
	}
	if got.OptionIndex == nil || *got.OptionIndex != 1 {
		t.Errorf("optionIndex = %v, want 1", got.OptionIndex)
	}
	if got.Action != "" {
		t.Errorf("action = %q, want empty", got.Action)
	}
}

func TestTeamDeclineRoutesToEmailThread(t *testing.T) {
	b := &backend{requests: map[string][]string{}, pending: `{"conversationId":"thread-9"}`}
	e, client := newTestEngine(t, b)
	startConnected(t, e, client)

	if _, err := e.DispatchApproval(context.Background(), dispatch.Request{
		ApprovalID: "9",
		PromptText: "Send this draft?",
		Options:    []string{"Short", "Long"},
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	client.events <- teamText("No")
	waitFor(t, "decision submit", func() bool { return len(b.bodies("/api/approvals/decision")) == 1 })

	var got struct {
		EmailThreadID string `json:"emailThreadId"`
		OptionIndex   *int   `json:"optionIndex"`
		Action        string `json:"action"`
	}
	if err := json.Unmarshal([]byte(b.bodies("/api/approvals/decision")[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EmailThreadID != "thread-9" {
		t.Errorf("emailThreadId = %q, want thread-9", got.EmailThreadID)
	}
	if got.Action != "no" {
		t.Errorf("action = %q, want no", got.Action)
	}
	if got.OptionIndex != nil {
		t.Errorf("optionIndex = %v, want absent", *got.OptionIndex)
	}
}

func TestTeamChatForwardedWithMarkedReply(t *testing.T) {
	b := &backend{requests: map[string][]string{}, reply: "On it."}
	e, client := newTestEngine(t, b)
	startConnected(t, e, client)

	client.events <- teamText("can you check the calendar?")
	waitFor(t, "reply in group", func() bool { return len(client.texts()) == 1 })

	sent := client.texts()[0]
	if sent != classify.MarkerPrefix+"On it." {
		t.Errorf("sent = %q, want marker-prefixed reply", sent)
	}
	if len(b.bodies("/api/team/chat")) != 1 {
		t.Errorf("team chat forwards = %d, want 1", len(b.bodies("/api/team/chat")))
	}
}

func TestSelfTeamChatMirrored(t *testing.T) {
	b := &backend{requests: map[string][]string{}}
	e, client := newTestEngine(t, b)
	startConnected(t, e, client)

	ev := teamText("handled it myself")
	ev.FromSelf = true
	client.events <- ev
	waitFor(t, "mirror call", func() bool { return len(b.bodies("/api/team/mirror")) == 1 })

	if n := len(b.bodies("/api/team/chat")); n != 0 {
		t.Errorf("team chat forwards = %d, want 0", n)
	}
	if n := len(client.texts()); n != 0 {
		t.Errorf("group replies = %d, want 0", n)
	}
}

func TestDirectMessageForwarded(t *testing.T) {
	b := &backend{requests: map[string][]string{}}
	e, client := newTestEngine(t, b)
	startConnected(t, e, client)

	client.events <- transport.MessageEvent{
		MessageID: "d1",
		Chat:      "4919@s.whatsapp.net",
		Sender:    "4919@s.whatsapp.net",
		Kind:      transport.PayloadText,
		Text:      "hey, are you free tomorrow?",
	}
	waitFor(t, "inbound forward", func() bool { return len(b.bodies("/api/messages/inbound")) == 1 })
}

func TestMarkedMessageIgnored(t *testing.T) {
	b := &backend{requests: map[string][]string{}}
	e, client := newTestEngine(t, b)
	startConnected(t, e, client)

	client.events <- transport.MessageEvent{
		MessageID: "d2",
		Chat:      "4919@s.whatsapp.net",
		Sender:    "4919@s.whatsapp.net",
		Kind:      transport.PayloadText,
		Text:      classify.MarkerPrefix + "generated reply",
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(b.bodies("/api/messages/inbound")); n != 0 {
		t.Errorf("inbound forwards = %d, want 0", n)
	}
}

func TestDispatchApprovalNeedsResolvedGroup(t *testing.T) {
	b := &backend{requests: map[string][]string{}}
	e, _ := newTestEngine(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := e.DispatchApproval(context.Background(), dispatch.Request{
		ApprovalID: "1", PromptText: "x", Options: []string{"a"},
	})
	if err == nil {
		t.Fatal("expected error before group resolution")
	}
}

func TestSecondarySessionSkipsTeamTraffic(t *testing.T) {
	b := &backend{requests: map[string][]string{}, reply: "nope"}
	e, client := newTestEngine(t, b)
	secondary := newFakeClient()
	if err := e.AddAccount(RoleAssistant, secondary); err != nil {
		t.Fatalf("add secondary: %v", err)
	}
	startConnected(t, e, client)

	secondary.events <- teamText("only the primary should forward this")
	time.Sleep(50 * time.Millisecond)
	if n := len(b.bodies("/api/team/chat")); n != 0 {
		t.Errorf("team chat forwards from secondary = %d, want 0", n)
	}
}
