// Package engine supervises the messaging sessions and routes their
// traffic: classified inbound messages to the backend gateway, vote
// decisions to the approval endpoint, approval requests out to the
// team group.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teamrelay/teamrelay/internal/classify"
	"github.com/teamrelay/teamrelay/internal/dispatch"
	"github.com/teamrelay/teamrelay/internal/firehose"
	"github.com/teamrelay/teamrelay/internal/gateway"
	"github.com/teamrelay/teamrelay/internal/journal"
	"github.com/teamrelay/teamrelay/internal/roster"
	"github.com/teamrelay/teamrelay/internal/session"
	"github.com/teamrelay/teamrelay/internal/transport"
	"github.com/teamrelay/teamrelay/internal/vote"
)

// Role labels one messaging account.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps a path or config token to a known role.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser, RoleAssistant:
		return Role(s), true
	}
	return "", false
}

// Options carries the engine's collaborators and tuning knobs. Gateway is
// required; Journal and Firehose may be nil.
type Options struct {
	Gateway  *gateway.Client
	Journal  *journal.Journal
	Firehose *firehose.Publisher

	TeamSubject     string
	TeamMembers     []string
	Policy          session.Policy
	DispatchTimeout time.Duration
	PollCacheSize   int

	// OnDead fires when a session exhausts its reconnect budget or is
	// logged out remotely. The caller decides whether that is fatal for
	// the process.
	OnDead func(role Role)

	Log *slog.Logger
}

type account struct {
	role    Role
	client  transport.Client
	session *session.Session
}

// Engine owns the sessions and everything that reacts to them.
type Engine struct {
	opts Options
	gw   *gateway.Client
	log  *slog.Logger

	order    []Role
	accounts map[Role]*account

	cache      *vote.PollCache
	resolver   *vote.Resolver
	dispatcher *dispatch.Dispatcher
	roster     *roster.Manager

	mu          sync.Mutex
	teamGroupID string

	cancel context.CancelFunc
}

// New builds an engine with no accounts. Add accounts with AddAccount,
// then Start.
func New(opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = dispatch.DefaultTimeout
	}
	size := opts.PollCacheSize
	if size <= 0 {
		size = vote.DefaultCacheSize
	}
	return &Engine{
		opts:     opts,
		gw:       opts.Gateway,
		log:      opts.Log,
		accounts: make(map[Role]*account),
		cache:    vote.NewPollCache(size),
	}
}

// AddAccount registers a transport client under a role. The first account
// added is the primary: it owns the team group, the approval dispatches
// and the vote handling.
func (e *Engine) AddAccount(role Role, client transport.Client) error {
	if _, dup := e.accounts[role]; dup {
		return fmt.Errorf("account %q already registered", role)
	}
	acct := &account{role: role, client: client}
	acct.session = session.New(string(role), client, e.opts.Policy, session.Hooks{
		OnConnected: func(ctx context.Context) { e.onConnected(ctx, role) },
		OnMessage:   func(ctx context.Context, ev transport.MessageEvent) { e.onMessage(ctx, role, ev) },
		OnFatal:     func() { e.onFatal(role) },
	}, e.log)
	e.accounts[role] = acct
	e.order = append(e.order, role)
	return nil
}

// Start wires the primary-bound collaborators and starts every session.
func (e *Engine) Start(ctx context.Context) error {
	if len(e.order) == 0 {
		return errors.New("no accounts registered")
	}
	primary := e.accounts[e.order[0]].client
	e.resolver = vote.NewResolver(e.cache, primary, e.gw, e.log)
	e.dispatcher = dispatch.NewDispatcher(primary, e.cache, e.opts.DispatchTimeout, e.log)
	e.roster = roster.NewManager(primary, e.opts.TeamSubject, e.opts.TeamMembers, e.pairedIdentity, e.log)

	ctx, e.cancel = context.WithCancel(ctx)
	for _, role := range e.order {
		e.accounts[role].session.Start(ctx)
	}
	return nil
}

// Stop cancels the session loops and closes the transports.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, acct := range e.accounts {
		acct.client.Close()
	}
}

// Primary returns the role added first.
func (e *Engine) Primary() Role { return e.order[0] }

// Roles returns the registered roles in registration order.
func (e *Engine) Roles() []Role {
	out := make([]Role, len(e.order))
	copy(out, e.order)
	return out
}

// Session returns the session for a role, or nil if the role is not
// registered.
func (e *Engine) Session(role Role) *session.Session {
	acct, ok := e.accounts[role]
	if !ok {
		return nil
	}
	return acct.session
}

// TeamGroupID returns the resolved team group id, empty until the roster
// pass has run.
func (e *Engine) TeamGroupID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.teamGroupID
}

// pairedIdentity reports the address of the secondary account, once its
// session has authenticated.
func (e *Engine) pairedIdentity() (string, bool) {
	for _, role := range e.order[1:] {
		if id, ok := e.accounts[role].session.Identity(); ok {
			return id, true
		}
	}
	return "", false
}

func (e *Engine) onConnected(ctx context.Context, role Role) {
	e.record(journal.KindConnection, role, "", "", "connected")
	e.publish("session.connected", map[string]any{"role": role})
	// Any session coming up can complete the roster: the secondary's
	// identity is only known after it authenticates.
	if e.accounts[e.Primary()].session.State() == session.StateConnected {
		go e.ensureTeamGroup(ctx)
	}
}

func (e *Engine) ensureTeamGroup(ctx context.Context) {
	group, err := e.roster.Ensure(ctx)
	if err != nil {
		e.log.Error("team group reconciliation failed", "error", err)
		return
	}
	e.mu.Lock()
	changed := e.teamGroupID != group.ID
	e.teamGroupID = group.ID
	e.mu.Unlock()
	if changed {
		e.log.Info("team group resolved", "group", group.ID, "subject", group.Subject)
		e.record(journal.KindConnection, e.Primary(), group.ID, "", "team group resolved")
	}
}

func (e *Engine) onFatal(role Role) {
	e.log.Error("session is dead", "role", role)
	e.record(journal.KindConnection, role, "", "", "session dead")
	e.publish("session.dead", map[string]any{"role": role})
	if e.opts.OnDead != nil {
		e.opts.OnDead(role)
	}
}

func (e *Engine) onMessage(ctx context.Context, role Role, ev transport.MessageEvent) {
	kind := classify.Classify(ev, e.TeamGroupID())
	switch kind {
	case classify.Ignore:
		return
	case classify.Team:
		// The primary session handles team traffic; in dual-account mode
		// the secondary sees the same group messages and must not double
		// process them.
		if role != e.Primary() {
			return
		}
		e.record(journal.KindInbound, role, ev.Chat, ev.Sender, "team")
		e.handleTeam(ctx, ev)
	case classify.Direct:
		if ev.FromSelf {
			return
		}
		e.record(journal.KindInbound, role, ev.Chat, ev.Sender, "direct")
		e.handleDirect(ctx, role, ev)
	}
}

func (e *Engine) handleTeam(ctx context.Context, ev transport.MessageEvent) {
	if d := e.resolver.Resolve(ctx, ev); d != nil {
		e.submitDecision(ctx, ev, d)
		return
	}
	if ev.FromSelf {
		e.gw.MirrorTeamChat(ctx, ev.Sender, ev.Text)
		return
	}
	reply, err := e.gw.ForwardTeamChat(ctx, ev.Sender, ev.Text)
	if err != nil {
		e.log.Error("team chat forward failed", "error", err)
		return
	}
	if reply == "" {
		return
	}
	client := e.accounts[e.Primary()].client
	if _, err := client.SendText(ctx, ev.Chat, classify.MarkerPrefix+reply); err != nil {
		e.log.Error("team chat reply failed", "error", err)
	}
}

func (e *Engine) submitDecision(ctx context.Context, ev transport.MessageEvent, d *vote.Decision) {
	payload := gateway.DecisionPayload{EmailThreadID: d.EmailThreadID}
	if d.MessageID != 0 {
		mid := d.MessageID
		payload.MessageID = &mid
	}
	if d.Declined {
		payload.Action = "no"
	} else {
		idx := d.OptionIndex
		payload.OptionIndex = &idx
	}
	accepted, err := e.gw.SubmitDecision(ctx, payload)
	if err != nil {
		e.log.Error("decision submit failed", "error", err, "approval", d.ApprovalID)
		return
	}
	detail := fmt.Sprintf("optionIndex=%d declined=%t accepted=%t", d.OptionIndex, d.Declined, accepted)
	e.record(journal.KindDecision, e.Primary(), ev.Chat, ev.Sender, detail)
	e.publish("approval.decision", map[string]any{
		"approvalId":  d.ApprovalID,
		"optionIndex": d.OptionIndex,
		"declined":    d.Declined,
		"accepted":    accepted,
	})
}

func (e *Engine) handleDirect(ctx context.Context, role Role, ev transport.MessageEvent) {
	res, err := e.gw.ForwardDirectMessage(ctx, ev.Sender, ev.Text)
	if err != nil {
		e.log.Error("direct message forward failed", "error", err, "sender", ev.Sender)
		return
	}
	e.log.Debug("direct message forwarded",
		"sender", ev.Sender, "internalId", res.InternalMessageID, "options", res.OptionsCount)
	e.publish("message.inbound", map[string]any{
		"role":       role,
		"sender":     ev.Sender,
		"internalId": res.InternalMessageID,
	})
}

// DispatchApproval sends an approval request into the team group and
// registers the resulting message for vote correlation.
func (e *Engine) DispatchApproval(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	groupID := e.TeamGroupID()
	if groupID == "" {
		return nil, errors.New("team group not resolved yet")
	}
	res, err := e.dispatcher.Dispatch(ctx, groupID, req)
	if err != nil {
		return nil, err
	}
	e.resolver.TrackDispatch(res.GroupMessageID)
	e.record(journal.KindDispatch, e.Primary(), groupID, "",
		fmt.Sprintf("approval=%s format=%s", req.ApprovalID, res.Format))
	e.publish("approval.dispatched", map[string]any{
		"approvalId":     req.ApprovalID,
		"format":         res.Format,
		"groupMessageId": res.GroupMessageID,
	})
	return res, nil
}

// SendText sends marker-prefixed text from a role's account. The session
// must be connected.
func (e *Engine) SendText(ctx context.Context, role Role, recipient, text string) (string, error) {
	acct, ok := e.accounts[role]
	if !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if acct.session.State() != session.StateConnected {
		return "", fmt.Errorf("session %q not connected", role)
	}
	id, err := acct.client.SendText(ctx, recipient, classify.MarkerPrefix+text)
	if err != nil {
		return "", fmt.Errorf("send from %s: %w", role, err)
	}
	return id, nil
}

func (e *Engine) record(kind string, role Role, chat, sender, detail string) {
	if err := e.opts.Journal.Record(kind, string(role), chat, sender, detail); err != nil {
		e.log.Debug("journal write failed", "error", err)
	}
}

func (e *Engine) publish(kind string, payload map[string]any) {
	e.opts.Firehose.Publish(kind, payload)
}
