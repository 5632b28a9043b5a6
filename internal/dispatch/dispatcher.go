// Package dispatch delivers approval requests to the team group using a
// capability-probed format chain: poll, then buttons, then plain text.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teamrelay/teamrelay/internal/classify"
	"github.com/teamrelay/teamrelay/internal/transport"
	"github.com/teamrelay/teamrelay/internal/vote"
)

// Format is the message format an approval request actually went out as.
type Format string

const (
	FormatPoll    Format = "poll"
	FormatButtons Format = "buttons"
	FormatText    Format = "text"
)

// DefaultTimeout bounds one dispatch end to end (probe plus sends). It must
// stay below the backend gateway's request timeout so failures surface before
// the caller's deadline.
const DefaultTimeout = 25 * time.Second

// DefaultRefreshDelay is how long after a poll send the cache entry is
// refreshed from the transport's own store, which may by then hold a more
// complete payload.
const DefaultRefreshDelay = 5 * time.Second

// Sender is the transport slice the dispatcher needs.
type Sender interface {
	SendText(ctx context.Context, chat, text string) (string, error)
	SendPoll(ctx context.Context, chat, question string, options []string) (string, error)
	SendButtons(ctx context.Context, chat, text string, buttons []transport.Button) (string, error)
	GroupInfo(ctx context.Context, groupID string) (*transport.GroupInfo, error)
	StoredPoll(ctx context.Context, pollMessageID string) (*transport.PollPayload, error)
}

// Request is one approval to put in front of the team.
type Request struct {
	ApprovalID string
	PromptText string
	Options    []string
}

// Result reports where the request landed and in which format.
type Result struct {
	GroupMessageID string
	Format         Format
}

// Dispatcher sends approval requests. It is the only writer of the poll
// cache; the vote resolver reads it.
type Dispatcher struct {
	sender       Sender
	cache        *vote.PollCache
	timeout      time.Duration
	refreshDelay time.Duration
	log          *slog.Logger
}

func NewDispatcher(sender Sender, cache *vote.PollCache, timeout time.Duration, log *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		sender:       sender,
		cache:        cache,
		timeout:      timeout,
		refreshDelay: DefaultRefreshDelay,
		log:          log,
	}
}

// Dispatch sends the request to groupID, falling back poll → buttons → text.
// Groups with lightweight-identifier participants never get the poll format
// since their ballots cannot be reliably decrypted. The whole operation is
// bounded by a single timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, groupID string, req Request) (*Result, error) {
	if len(req.Options) == 0 || len(req.Options) > 3 {
		return nil, fmt.Errorf("approval request needs 1-3 options, got %d", len(req.Options))
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	tryPoll := true
	info, err := d.sender.GroupInfo(ctx, groupID)
	switch {
	case err != nil:
		// Inconclusive probe: assume the worst and skip polls.
		d.log.Warn("participant probe failed, skipping poll format", "group", groupID, "err", err)
		tryPoll = false
	case hasLIDParticipant(info.Participants):
		d.log.Info("group uses lightweight identifiers, skipping poll format", "group", groupID)
		tryPoll = false
	}

	if tryPoll {
		labels := vote.PollOptionLabels(req.Options)
		id, err := d.sender.SendPoll(ctx, groupID, req.PromptText, labels)
		if err == nil {
			d.cache.Put(&transport.PollPayload{MessageID: id, Question: req.PromptText, Options: labels})
			d.scheduleRefresh(id)
			return &Result{GroupMessageID: id, Format: FormatPoll}, nil
		}
		d.log.Warn("poll send failed, falling back to buttons", "group", groupID, "err", err)
	}

	id, err := d.sender.SendButtons(ctx, groupID, buttonBody(req), buttonSet(req))
	if err == nil {
		return &Result{GroupMessageID: id, Format: FormatButtons}, nil
	}
	d.log.Warn("button send failed, falling back to text", "group", groupID, "err", err)

	id, err = d.sender.SendText(ctx, groupID, textBody(req))
	if err != nil {
		return nil, fmt.Errorf("approval dispatch failed in every format: %w", err)
	}
	return &Result{GroupMessageID: id, Format: FormatText}, nil
}

// scheduleRefresh re-reads the poll payload from the transport store shortly
// after sending; the store may carry a more complete payload than what was
// cached at dispatch time.
func (d *Dispatcher) scheduleRefresh(pollMessageID string) {
	time.AfterFunc(d.refreshDelay, func() {
		p, err := d.sender.StoredPoll(context.Background(), pollMessageID)
		if err != nil || p == nil {
			return
		}
		d.cache.Put(p)
	})
}

func hasLIDParticipant(participants []transport.Participant) bool {
	for _, p := range participants {
		if p.IsLID {
			return true
		}
	}
	return false
}

var letters = []string{"A", "B", "C"}

func buttonSet(req Request) []transport.Button {
	buttons := make([]transport.Button, 0, len(req.Options)+1)
	for i := range req.Options {
		buttons = append(buttons, transport.Button{
			ID:    fmt.Sprintf("approve_%s_%s", req.ApprovalID, letters[i]),
			Label: "Option " + letters[i],
		})
	}
	return append(buttons, transport.Button{
		ID:    fmt.Sprintf("approve_%s_NO", req.ApprovalID),
		Label: "None",
	})
}

func buttonBody(req Request) string {
	var b strings.Builder
	b.WriteString(classify.MarkerPrefix)
	b.WriteString(req.PromptText)
	for i, opt := range req.Options {
		fmt.Fprintf(&b, "\n\n*%s)* %s", letters[i], opt)
	}
	return b.String()
}

func textBody(req Request) string {
	var b strings.Builder
	b.WriteString(buttonBody(req))
	b.WriteString("\n\nReply with ")
	for i := range req.Options {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(letters[i])
	}
	b.WriteString(" or NO.")
	return b.String()
}
