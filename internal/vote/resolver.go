// Package vote reconciles the three wire encodings of an approval vote
// (button tap, poll ballot, free text) into one canonical decision.
package vote

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/teamrelay/teamrelay/internal/gateway"
	"github.com/teamrelay/teamrelay/internal/transport"
)

// DeclineLabel is the trailing poll option that maps to a decline.
const DeclineLabel = "❌ None of these"

var optionLetters = []string{"A", "B", "C"}

// PollOptionLabels builds the canonical poll option labels for a set of
// response options. The dispatcher sends these labels and the resolver maps
// ballots back against them, so both sides must agree.
func PollOptionLabels(options []string) []string {
	labels := make([]string, 0, len(options)+1)
	for i, opt := range options {
		if i >= len(optionLetters) {
			break
		}
		labels = append(labels, fmt.Sprintf("%s) %s", optionLetters[i], opt))
	}
	return append(labels, DeclineLabel)
}

// Decision is the canonical outcome of a vote event. Either OptionIndex is
// meaningful (Declined false) or the vote is a decline. Exactly one of
// MessageID and EmailThreadID is set, copied from the resolved pending
// approval record.
type Decision struct {
	ApprovalID    string
	OptionIndex   int
	Declined      bool
	MessageID     int64
	EmailThreadID string
}

// BallotSource is the transport capability the resolver needs for poll votes.
type BallotSource interface {
	DecryptPollVote(ctx context.Context, ev *transport.MessageEvent) (*transport.PollVoteResult, error)
	StoredPoll(ctx context.Context, pollMessageID string) (*transport.PollPayload, error)
}

// PendingResolver looks up the externally owned approval record for a
// dispatched group message.
type PendingResolver interface {
	ResolvePendingApproval(ctx context.Context, groupMessageID string) (*gateway.PendingApproval, error)
}

// FetchFunc retrieves a poll payload for a message the transport no longer
// holds. Optional; may be nil.
type FetchFunc func(ctx context.Context, chat, messageID string) (*transport.PollPayload, error)

// Resolver produces at most one Decision per team event, trying button-tap
// parsing, poll-ballot decryption and free-text matching in strict order.
type Resolver struct {
	cache   *PollCache
	ballots BallotSource
	pending PendingResolver
	fetch   FetchFunc
	log     *slog.Logger

	mu             sync.Mutex
	lastDispatched string
}

func NewResolver(cache *PollCache, ballots BallotSource, pending PendingResolver, log *slog.Logger) *Resolver {
	return &Resolver{
		cache:   cache,
		ballots: ballots,
		pending: pending,
		log:     log,
	}
}

// SetFetch installs an optional late-fetch hook for poll payloads.
func (r *Resolver) SetFetch(f FetchFunc) {
	r.fetch = f
}

// TrackDispatch records the most recently dispatched approval request.
// Free-text votes that are not replies correlate against it.
func (r *Resolver) TrackDispatch(groupMessageID string) {
	r.mu.Lock()
	r.lastDispatched = groupMessageID
	r.mu.Unlock()
}

// Resolve inspects a team-group event and returns its decision, or nil when
// the event is not a resolvable vote (the caller then treats it as chat).
func (r *Resolver) Resolve(ctx context.Context, ev transport.MessageEvent) *Decision {
	if d, corr, ok := r.fromButtonReply(ev); ok {
		return r.correlate(ctx, d, corr)
	}
	if d, corr, ok := r.fromPollBallot(ctx, ev); ok {
		return r.correlate(ctx, d, corr)
	}
	if d, corr, ok := r.fromText(ev); ok {
		return r.correlate(ctx, d, corr)
	}
	return nil
}

var buttonIDPattern = regexp.MustCompile(`^approve_([^_]+)_(A|B|C|NO)$`)

func (r *Resolver) fromButtonReply(ev transport.MessageEvent) (Decision, string, bool) {
	if ev.Kind != transport.PayloadButtonReply {
		return Decision{}, "", false
	}
	m := buttonIDPattern.FindStringSubmatch(ev.ButtonReplyID)
	if m == nil {
		return Decision{}, "", false
	}
	d := Decision{ApprovalID: m[1]}
	if m[2] == "NO" {
		d.Declined = true
	} else {
		d.OptionIndex = letterIndex(m[2])
	}
	return d, ev.QuotedMessageID, true
}

func (r *Resolver) fromPollBallot(ctx context.Context, ev transport.MessageEvent) (Decision, string, bool) {
	if ev.Kind != transport.PayloadPollVote || ev.PollMessageID == "" {
		return Decision{}, "", false
	}
	res, err := r.ballots.DecryptPollVote(ctx, &ev)
	if err != nil || res == nil {
		// Expected for lightweight-identifier groups; degrade to the
		// free-text strategy instead of failing.
		r.log.Debug("poll ballot not decryptable", "poll", ev.PollMessageID, "err", err)
		return Decision{}, "", false
	}
	payload := r.pollPayload(ctx, ev)
	idx, ok := selectedIndex(res, payload)
	if !ok {
		r.log.Debug("poll ballot did not match any option", "poll", ev.PollMessageID)
		return Decision{}, "", false
	}
	d := Decision{}
	if payload.Options[idx] == DeclineLabel {
		d.Declined = true
	} else {
		d.OptionIndex = idx
	}
	return d, ev.PollMessageID, true
}

// pollPayload resolves the poll-creation payload: dispatch-time cache, then
// the transport's own store, then the optional fetch hook, then a minimal
// reconstruction. The reconstruction can still satisfy label-shaped ballots,
// while hash-shaped ballots will simply fail to match and fall through.
func (r *Resolver) pollPayload(ctx context.Context, ev transport.MessageEvent) *transport.PollPayload {
	if p, ok := r.cache.Get(ev.PollMessageID); ok {
		return p
	}
	if p, err := r.ballots.StoredPoll(ctx, ev.PollMessageID); err == nil && p != nil {
		r.cache.Put(p)
		return p
	}
	if r.fetch != nil {
		if p, err := r.fetch(ctx, ev.Chat, ev.PollMessageID); err == nil && p != nil {
			r.cache.Put(p)
			return p
		}
	}
	return &transport.PollPayload{
		MessageID: ev.PollMessageID,
		Options:   PollOptionLabels([]string{"Option A", "Option B", "Option C"}),
	}
}

// selectedIndex normalizes both decryption shapes to one selected index into
// payload.Options.
func selectedIndex(res *transport.PollVoteResult, payload *transport.PollPayload) (int, bool) {
	if len(res.ByVoter) > 0 {
		for _, ballot := range res.ByVoter {
			for _, hash := range ballot.SelectedHashes {
				if idx, ok := hashIndex(hash, payload.Options); ok {
					return idx, true
				}
			}
		}
		return 0, false
	}
	for _, tally := range res.ByOption {
		if len(tally.Voters) == 0 {
			continue
		}
		if idx, ok := labelIndex(tally.Label, payload.Options); ok {
			return idx, true
		}
	}
	return 0, false
}

func hashIndex(hash []byte, options []string) (int, bool) {
	for i, opt := range options {
		sum := sha256.Sum256([]byte(opt))
		if string(sum[:]) == string(hash) {
			return i, true
		}
	}
	return 0, false
}

func labelIndex(label string, options []string) (int, bool) {
	for i, opt := range options {
		if opt == label {
			return i, true
		}
	}
	// The letter prefix survives even when the payload had to be
	// reconstructed with placeholder texts.
	for i, letter := range optionLetters {
		if strings.HasPrefix(label, letter+")") && i < len(options) {
			return i, true
		}
	}
	if label == DeclineLabel && len(options) > 0 {
		return len(options) - 1, true
	}
	return 0, false
}

func (r *Resolver) fromText(ev transport.MessageEvent) (Decision, string, bool) {
	choice, declined, ok := ParseVoteText(ev.Text)
	if !ok {
		return Decision{}, "", false
	}
	corr := ev.QuotedMessageID
	if corr == "" {
		r.mu.Lock()
		corr = r.lastDispatched
		r.mu.Unlock()
	}
	return Decision{OptionIndex: choice, Declined: declined}, corr, true
}

// ParseVoteText matches free-text votes: A, A), /A (and B/C analogues) for
// options, and NO, N, NO) for decline. Case-insensitive. Anything else is
// not a vote.
func ParseVoteText(text string) (optionIndex int, declined bool, ok bool) {
	t := strings.ToUpper(strings.TrimSpace(text))
	switch t {
	case "NO", "N", "NO)":
		return 0, true, true
	}
	for i, letter := range optionLetters {
		switch t {
		case letter, letter + ")", "/" + letter:
			return i, false, true
		}
	}
	return 0, false, false
}

// correlate attaches the backend's correlation fields and infers the approval
// type. Votes that cannot be correlated are dropped with a warning; a stale
// or malformed correlation cannot self-heal, so there is no retry.
func (r *Resolver) correlate(ctx context.Context, d Decision, groupMessageID string) *Decision {
	if groupMessageID == "" {
		r.log.Warn("vote without a correlating group message id, dropping")
		return nil
	}
	rec, err := r.pending.ResolvePendingApproval(ctx, groupMessageID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			r.log.Warn("no pending approval for vote, dropping", "groupMessageId", groupMessageID)
		} else {
			r.log.Warn("pending approval lookup failed, dropping vote", "groupMessageId", groupMessageID, "err", err)
		}
		return nil
	}
	switch {
	case rec.ConversationID != "" && rec.MessageID == nil:
		d.EmailThreadID = rec.ConversationID
	case rec.MessageID != nil:
		d.MessageID = *rec.MessageID
	default:
		r.log.Warn("approval record carries no correlation field, dropping vote", "groupMessageId", groupMessageID)
		return nil
	}
	return &d
}

func letterIndex(letter string) int {
	for i, l := range optionLetters {
		if l == letter {
			return i
		}
	}
	return 0
}
