package vote

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"testing"

	"github.com/teamrelay/teamrelay/internal/gateway"
	"github.com/teamrelay/teamrelay/internal/transport"
)

type fakeBallots struct {
	result       *transport.PollVoteResult
	err          error
	stored       *transport.PollPayload
	decryptCalls int
}

func (f *fakeBallots) DecryptPollVote(_ context.Context, _ *transport.MessageEvent) (*transport.PollVoteResult, error) {
	f.decryptCalls++
	return f.result, f.err
}

func (f *fakeBallots) StoredPoll(_ context.Context, _ string) (*transport.PollPayload, error) {
	return f.stored, nil
}

type fakePending struct {
	records map[string]*gateway.PendingApproval
	calls   int
}

func (f *fakePending) ResolvePendingApproval(_ context.Context, id string) (*gateway.PendingApproval, error) {
	f.calls++
	if rec, ok := f.records[id]; ok {
		return rec, nil
	}
	return nil, gateway.ErrNotFound
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intp(v int64) *int64 { return &v }

func newTestResolver(ballots *fakeBallots, pending *fakePending) *Resolver {
	return NewResolver(NewPollCache(10), ballots, pending, discard())
}

func TestButtonTapBeatsOtherStrategies(t *testing.T) {
	ballots := &fakeBallots{}
	pending := &fakePending{records: map[string]*gateway.PendingApproval{
		"req-msg": {MessageID: intp(7)},
	}}
	r := newTestResolver(ballots, pending)

	ev := transport.MessageEvent{
		Kind:            transport.PayloadButtonReply,
		ButtonReplyID:   "approve_42_B",
		Text:            "Option B",
		QuotedMessageID: "req-msg",
	}
	d := r.Resolve(context.Background(), ev)
	if d == nil {
		t.Fatal("expected a decision")
	}
	if d.ApprovalID != "42" || d.OptionIndex != 1 || d.Declined {
		t.Errorf("unexpected decision %+v", d)
	}
	if d.MessageID != 7 {
		t.Errorf("messageId = %d, want 7", d.MessageID)
	}
	if ballots.decryptCalls != 0 {
		t.Error("button tap must resolve before the poll strategy runs")
	}
}

func TestButtonTapDecline(t *testing.T) {
	pending := &fakePending{records: map[string]*gateway.PendingApproval{
		"req-msg": {MessageID: intp(9)},
	}}
	r := newTestResolver(&fakeBallots{}, pending)

	d := r.Resolve(context.Background(), transport.MessageEvent{
		Kind:            transport.PayloadButtonReply,
		ButtonReplyID:   "approve_42_NO",
		QuotedMessageID: "req-msg",
	})
	if d == nil || !d.Declined {
		t.Fatalf("expected declined decision, got %+v", d)
	}
}

func TestPollBallotHashShape(t *testing.T) {
	labels := PollOptionLabels([]string{"Sure, sounds good", "Let me check", "Not this week"})
	sum := sha256.Sum256([]byte(labels[2]))
	ballots := &fakeBallots{result: &transport.PollVoteResult{
		ByVoter: []transport.VoterBallot{{Voter: "491700000002@s.whatsapp.net", SelectedHashes: [][]byte{sum[:]}}},
	}}
	pending := &fakePending{records: map[string]*gateway.PendingApproval{
		"poll-1": {MessageID: intp(11)},
	}}
	r := newTestResolver(ballots, pending)
	r.cache.Put(&transport.PollPayload{MessageID: "poll-1", Options: labels})

	d := r.Resolve(context.Background(), transport.MessageEvent{
		Kind:          transport.PayloadPollVote,
		PollMessageID: "poll-1",
	})
	if d == nil {
		t.Fatal("expected a decision")
	}
	if d.OptionIndex != 2 || d.Declined {
		t.Errorf("unexpected decision %+v", d)
	}
	if d.MessageID != 11 {
		t.Errorf("messageId = %d, want 11", d.MessageID)
	}
}

func TestPollBallotByOptionShape(t *testing.T) {
	labels := PollOptionLabels([]string{"Yes", "Maybe", "No thanks"})
	ballots := &fakeBallots{result: &transport.PollVoteResult{
		ByOption: []transport.OptionTally{
			{Label: labels[0], Voters: nil},
			{Label: labels[1], Voters: []string{"491700000002@s.whatsapp.net"}},
		},
	}}
	pending := &fakePending{records: map[string]*gateway.PendingApproval{
		"poll-2": {MessageID: intp(12)},
	}}
	r := newTestResolver(ballots, pending)
	r.cache.Put(&transport.PollPayload{MessageID: "poll-2", Options: labels})

	d := r.Resolve(context.Background(), transport.MessageEvent{
		Kind:          transport.PayloadPollVote,
		PollMessageID: "poll-2",
	})
	if d == nil || d.OptionIndex != 1 {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestPollBallotDeclineOption(t *testing.T) {
	labels := PollOptionLabels([]string{"Yes", "Maybe", "Later"})
	sum := sha256.Sum256([]byte(DeclineLabel))
	ballots := &fakeBallots{result: &transport.PollVoteResult{
		ByVoter: []transport.VoterBallot{{SelectedHashes: [][]byte{sum[:]}}},
	}}
	pending := &fakePending{records: map[string]*gateway.PendingApproval{
		"poll-3": {MessageID: intp(13)},
	}}
	r := newTestResolver(ballots, pending)
	r.cache.Put(&transport.PollPayload{MessageID: "poll-3", Options: labels})

	d := r.Resolve(context.Background(), transport.MessageEvent{
		Kind:          transport.PayloadPollVote,
		PollMessageID: "poll-3",
	})
	if d == nil || !d.Declined {
		t.Fatalf("expected declined decision, got %+v", d)
	}
}

func TestUndecryptableBallotFallsThrough(t *testing.T) {
	ballots := &fakeBallots{err: context.DeadlineExceeded}
	pending := &fakePending{records: map[string]*gateway.PendingApproval{}}
	r := newTestResolver(ballots, pending)

	// No accompanying text: the resolver must quietly yield no decision.
	d := r.Resolve(context.Background(), transport.MessageEvent{
		Kind:          transport.PayloadPollVote,
		PollMessageID: "poll-x",
	})
	if d != nil {
		t.Fatalf("expected no decision, got %+v", d)
	}
	if pending.calls != 0 {
		t.Error("no correlation lookup should happen without a decision")
	}
}

func TestFreeTextVote(t *testing.T) {
	pending := &fakePending{records: map[string]*gateway.PendingApproval{
		"req-7": {MessageID: intp(7)},
	}}
	r := newTestResolver(&fakeBallots{}, pending)
	r.TrackDispatch("req-7")

	d := r.Resolve(context.Background(), transport.MessageEvent{
		Kind: transport.PayloadText,
		Text: "B",
	})
	if d == nil {
		t.Fatal("expected a decision")
	}
	if d.OptionIndex != 1 || d.Declined || d.MessageID != 7 {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestFreeTextDeclineEmailThread(t *testing.T) {
	pending := &fakePending{records: map[string]*gateway.PendingApproval{
		"req-9": {ConversationID: "thread-9"},
	}}
	r := newTestResolver(&fakeBallots{}, pending)
	r.TrackDispatch("req-9")

	d := r.Resolve(context.Background(), transport.MessageEvent{
		Kind: transport.PayloadText,
		Text: "No",
	})
	if d == nil {
		t.Fatal("expected a decision")
	}
	if !d.Declined || d.EmailThreadID != "thread-9" || d.MessageID != 0 {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestUncorrelatedVoteDropped(t *testing.T) {
	r := newTestResolver(&fakeBallots{}, &fakePending{records: map[string]*gateway.PendingApproval{}})
	r.TrackDispatch("gone")

	if d := r.Resolve(context.Background(), transport.MessageEvent{Kind: transport.PayloadText, Text: "A"}); d != nil {
		t.Errorf("expected drop, got %+v", d)
	}
}

func TestRecordWithoutCorrelationFieldsDropped(t *testing.T) {
	pending := &fakePending{records: map[string]*gateway.PendingApproval{
		"req-x": {},
	}}
	r := newTestResolver(&fakeBallots{}, pending)
	r.TrackDispatch("req-x")

	if d := r.Resolve(context.Background(), transport.MessageEvent{Kind: transport.PayloadText, Text: "A"}); d != nil {
		t.Errorf("expected drop, got %+v", d)
	}
}

func TestNonVoteChatYieldsNoDecision(t *testing.T) {
	r := newTestResolver(&fakeBallots{}, &fakePending{})
	for _, text := range []string{"sounds good to me", "abc", "BB", "4"} {
		if d := r.Resolve(context.Background(), transport.MessageEvent{Kind: transport.PayloadText, Text: text}); d != nil {
			t.Errorf("text %q produced decision %+v", text, d)
		}
	}
}

func TestParseVoteText(t *testing.T) {
	cases := []struct {
		text     string
		index    int
		declined bool
		ok       bool
	}{
		{"A", 0, false, true},
		{"a", 0, false, true},
		{"B)", 1, false, true},
		{"/c", 2, false, true},
		{"NO", 0, true, true},
		{"no)", 0, true, true},
		{"n", 0, true, true},
		{" B ", 1, false, true},
		{"D", 0, false, false},
		{"maybe", 0, false, false},
		{"", 0, false, false},
	}
	for _, tc := range cases {
		idx, declined, ok := ParseVoteText(tc.text)
		if idx != tc.index || declined != tc.declined || ok != tc.ok {
			t.Errorf("ParseVoteText(%q) = (%d, %v, %v), want (%d, %v, %v)",
				tc.text, idx, declined, ok, tc.index, tc.declined, tc.ok)
		}
	}
}
