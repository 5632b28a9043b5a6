package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// sentPollLimit bounds the adapter's own record of sent polls.
const sentPollLimit = 256

// WhatsmeowClient adapts a whatsmeow client to the Client interface.
// Credential material is persisted by the sqlstore container on every
// credential-update event; the engine never touches it directly.
type WhatsmeowClient struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	events    chan Event

	pollMu    sync.Mutex
	sentPolls map[string]*PollPayload
	pollOrder []string
}

// NewWhatsmeow opens (or creates) the credential store at dbPath and builds a
// disconnected client around it.
func NewWhatsmeow(ctx context.Context, dbPath string) (*WhatsmeowClient, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "WARN", true)

	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return nil, fmt.Errorf("init credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	w := &WhatsmeowClient{
		client:    whatsmeow.NewClient(device, clientLog),
		container: container,
		events:    make(chan Event, 256),
		sentPolls: make(map[string]*PollPayload),
	}
	w.client.AddEventHandler(w.handleEvent)
	return w, nil
}

func (w *WhatsmeowClient) Connect(ctx context.Context) error {
	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(ctx)
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return fmt.Errorf("open qr channel: %w", err)
		}
		if err == nil {
			go func() {
				for evt := range qrChan {
					if evt.Event == "code" {
						w.emit(QRChallengeEvent{Code: evt.Code})
					}
				}
			}()
		}
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (w *WhatsmeowClient) Disconnect() {
	w.client.Disconnect()
}

func (w *WhatsmeowClient) ClearCredentials(ctx context.Context) error {
	if w.client.Store.ID == nil {
		return nil
	}
	if err := w.client.Logout(ctx); err != nil {
		// Server unreachable or already logged out: drop the local device so
		// the next Connect starts a fresh pairing anyway.
		if derr := w.client.Store.Delete(ctx); derr != nil {
			return fmt.Errorf("clear credentials: %w", derr)
		}
	}
	return nil
}

func (w *WhatsmeowClient) HasCredentials() bool {
	return w.client.Store.ID != nil
}

func (w *WhatsmeowClient) SelfID() (string, bool) {
	id := w.client.Store.ID
	if id == nil {
		return "", false
	}
	return id.ToNonAD().String(), true
}

func (w *WhatsmeowClient) Events() <-chan Event {
	return w.events
}

func (w *WhatsmeowClient) emit(ev Event) {
	w.events <- ev
}

func (w *WhatsmeowClient) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		w.emit(ConnectedEvent{})
	case *events.PairSuccess:
		w.emit(PairedEvent{ID: v.ID.ToNonAD().String()})
	case *events.LoggedOut:
		w.emit(DisconnectedEvent{LoggedOut: true, Reason: v.Reason.String()})
	case *events.StreamReplaced:
		w.emit(DisconnectedEvent{Reason: "stream replaced"})
	case *events.Disconnected:
		w.emit(DisconnectedEvent{Reason: "connection closed"})
	case *events.Message:
		w.emit(w.convertMessage(v))
	}
}

func (w *WhatsmeowClient) convertMessage(v *events.Message) MessageEvent {
	ev := MessageEvent{
		MessageID: v.Info.ID,
		Chat:      v.Info.Chat.String(),
		Sender:    v.Info.Sender.ToNonAD().String(),
		Timestamp: v.Info.Timestamp,
		IsGroup:   v.Info.IsGroup,
		FromSelf:  v.Info.IsFromMe,
		raw:       v,
	}

	msg := v.Message
	switch {
	case msg.GetButtonsResponseMessage() != nil:
		br := msg.GetButtonsResponseMessage()
		ev.Kind = PayloadButtonReply
		ev.ButtonReplyID = br.GetSelectedButtonID()
		ev.Text = br.GetSelectedDisplayText()
		ev.QuotedMessageID = br.GetContextInfo().GetStanzaID()
	case msg.GetPollUpdateMessage() != nil:
		ev.Kind = PayloadPollVote
		ev.PollMessageID = msg.GetPollUpdateMessage().GetPollCreationMessageKey().GetID()
	default:
		ev.Text = extractText(msg)
		if ev.Text != "" {
			ev.Kind = PayloadText
		}
		ev.QuotedMessageID = msg.GetExtendedTextMessage().GetContextInfo().GetStanzaID()
	}
	return ev
}

// extractText pulls the user-visible text out of a message: plain
// conversation, quoted/extended text, then image and video captions.
func extractText(msg *waE2E.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage().GetCaption() != "":
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage().GetCaption() != "":
		return msg.GetVideoMessage().GetCaption()
	}
	return ""
}

func (w *WhatsmeowClient) SendText(ctx context.Context, chat, text string) (string, error) {
	jid, err := types.ParseJID(chat)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", chat, err)
	}
	resp, err := w.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	return resp.ID, nil
}

func (w *WhatsmeowClient) SendPoll(ctx context.Context, chat, question string, options []string) (string, error) {
	jid, err := types.ParseJID(chat)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", chat, err)
	}
	resp, err := w.client.SendMessage(ctx, jid, w.client.BuildPollCreation(question, options, 1))
	if err != nil {
		return "", fmt.Errorf("send poll: %w", err)
	}
	w.recordPoll(&PollPayload{MessageID: resp.ID, Question: question, Options: append([]string(nil), options...)})
	return resp.ID, nil
}

func (w *WhatsmeowClient) SendButtons(ctx context.Context, chat, text string, buttons []Button) (string, error) {
	jid, err := types.ParseJID(chat)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", chat, err)
	}
	btns := make([]*waE2E.ButtonsMessage_Button, 0, len(buttons))
	for _, b := range buttons {
		btns = append(btns, &waE2E.ButtonsMessage_Button{
			ButtonID:   proto.String(b.ID),
			ButtonText: &waE2E.ButtonsMessage_Button_ButtonText{DisplayText: proto.String(b.Label)},
			Type:       waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
		})
	}
	msg := &waE2E.Message{ButtonsMessage: &waE2E.ButtonsMessage{
		ContentText: proto.String(text),
		HeaderType:  waE2E.ButtonsMessage_EMPTY.Enum(),
		Buttons:     btns,
	}}
	resp, err := w.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send buttons: %w", err)
	}
	return resp.ID, nil
}

func (w *WhatsmeowClient) GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error) {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return nil, fmt.Errorf("invalid group %q: %w", groupID, err)
	}
	info, err := w.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("group info: %w", err)
	}
	return convertGroup(info), nil
}

func (w *WhatsmeowClient) FindGroupBySubject(ctx context.Context, subject string) (*GroupInfo, error) {
	groups, err := w.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if g.Name == subject {
			return convertGroup(g), nil
		}
	}
	return nil, nil
}

func (w *WhatsmeowClient) CreateGroup(ctx context.Context, subject string, participants []string) (*GroupInfo, error) {
	jids, err := parseJIDs(participants)
	if err != nil {
		return nil, err
	}
	info, err := w.client.CreateGroup(ctx, whatsmeow.ReqCreateGroup{
		Name:         subject,
		Participants: jids,
	})
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return convertGroup(info), nil
}

func (w *WhatsmeowClient) AddParticipants(ctx context.Context, groupID string, participants []string) error {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return fmt.Errorf("invalid group %q: %w", groupID, err)
	}
	jids, err := parseJIDs(participants)
	if err != nil {
		return err
	}
	if _, err := w.client.UpdateGroupParticipants(ctx, jid, jids, whatsmeow.ParticipantChangeAdd); err != nil {
		return fmt.Errorf("add participants: %w", err)
	}
	return nil
}

func (w *WhatsmeowClient) DecryptPollVote(ctx context.Context, ev *MessageEvent) (*PollVoteResult, error) {
	src, ok := ev.raw.(*events.Message)
	if !ok {
		return nil, errors.New("event carries no decryptable ballot")
	}
	vote, err := w.client.DecryptPollVote(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("decrypt poll vote: %w", err)
	}
	return &PollVoteResult{ByVoter: []VoterBallot{{
		Voter:          src.Info.Sender.ToNonAD().String(),
		SelectedHashes: vote.GetSelectedOptions(),
	}}}, nil
}

// StoredPoll returns the adapter's own record of a poll it sent, which may be
// more complete than what the caller cached at dispatch time.
func (w *WhatsmeowClient) StoredPoll(_ context.Context, pollMessageID string) (*PollPayload, error) {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()
	if p, ok := w.sentPolls[pollMessageID]; ok {
		return p, nil
	}
	return nil, nil
}

func (w *WhatsmeowClient) recordPoll(p *PollPayload) {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()
	if _, ok := w.sentPolls[p.MessageID]; !ok {
		w.pollOrder = append(w.pollOrder, p.MessageID)
		if len(w.pollOrder) > sentPollLimit {
			delete(w.sentPolls, w.pollOrder[0])
			w.pollOrder = w.pollOrder[1:]
		}
	}
	w.sentPolls[p.MessageID] = p
}

func (w *WhatsmeowClient) Close() {
	w.client.Disconnect()
	w.container.Close()
}

func convertGroup(info *types.GroupInfo) *GroupInfo {
	g := &GroupInfo{
		ID:      info.JID.String(),
		Subject: info.Name,
	}
	for _, p := range info.Participants {
		g.Participants = append(g.Participants, Participant{
			ID:    p.JID.ToNonAD().String(),
			IsLID: p.JID.Server == types.HiddenUserServer,
		})
	}
	return g
}

func parseJIDs(ids []string) ([]types.JID, error) {
	out := make([]types.JID, 0, len(ids))
	for _, id := range ids {
		jid, err := types.ParseJID(id)
		if err != nil {
			return nil, fmt.Errorf("invalid participant %q: %w", id, err)
		}
		out = append(out, jid)
	}
	return out, nil
}
