// Package transport defines the capability surface the engine needs from the
// messaging network. The whatsmeow-backed implementation lives in this package
// too; everything else in the repo depends only on the interfaces and the
// flattened event types below.
package transport

import (
	"context"
	"time"
)

// BroadcastAddress is the pseudo-address WhatsApp uses for status posts.
// Events on it are never user traffic.
const BroadcastAddress = "status@broadcast"

// PayloadKind describes what an incoming message carries.
type PayloadKind int

const (
	PayloadOther PayloadKind = iota
	PayloadText
	PayloadButtonReply
	PayloadPollVote
)

// MessageEvent is one inbound message, flattened from the wire shape.
type MessageEvent struct {
	MessageID string
	Chat      string
	Sender    string
	Timestamp time.Time
	IsGroup   bool
	FromSelf  bool
	Kind      PayloadKind

	// Text is the extracted text: plain conversation, quoted/extended text,
	// or an image/video caption. Empty when none of those are present.
	Text string

	// ButtonReplyID is the tapped button's id when Kind is PayloadButtonReply.
	ButtonReplyID string

	// PollMessageID references the original poll-creation message when Kind
	// is PayloadPollVote.
	PollMessageID string

	// QuotedMessageID is the id of the message this one replies to, if any.
	QuotedMessageID string

	// raw keeps the adapter's original event so poll ballots can be
	// decrypted after classification.
	raw any
}

// ConnectedEvent signals an established, authenticated connection.
type ConnectedEvent struct{}

// DisconnectedEvent signals a closed connection. LoggedOut marks an explicit
// logout, which is terminal for the session.
type DisconnectedEvent struct {
	LoggedOut bool
	Reason    string
}

// QRChallengeEvent carries a fresh pairing challenge while unauthenticated.
type QRChallengeEvent struct {
	Code string
}

// PairedEvent signals a completed pairing with the account's address.
type PairedEvent struct {
	ID string
}

// Event is one of the *Event types above or a MessageEvent.
type Event any

// Button is one tappable option of an outbound button message.
type Button struct {
	ID    string
	Label string
}

// Participant is one member of a group.
type Participant struct {
	ID string

	// IsLID marks lightweight-identifier addressing. Poll ballots from such
	// participants cannot be reliably decrypted.
	IsLID bool
}

// GroupInfo describes a group and its current membership.
type GroupInfo struct {
	ID           string
	Subject      string
	Participants []Participant
}

// PollPayload is the creation payload of a sent poll, kept around so later
// ballots can be mapped back to option labels.
type PollPayload struct {
	MessageID string
	Question  string
	Options   []string
}

// OptionTally aggregates voters per option label.
type OptionTally struct {
	Label  string
	Voters []string
}

// VoterBallot lists the options one voter selected, as SHA-256 hashes of the
// option labels.
type VoterBallot struct {
	Voter          string
	SelectedHashes [][]byte
}

// PollVoteResult is a decrypted ballot. The aggregation capability returns one
// of two shapes; exactly one of the fields is populated.
type PollVoteResult struct {
	ByOption []OptionTally
	ByVoter  []VoterBallot
}

// Client is the full capability surface of one authenticated connection.
// Consumers should depend on the narrow subset they use.
type Client interface {
	// Connect starts (or resumes) the connection. When no credentials are
	// stored it begins a pairing cycle and emits QRChallengeEvents.
	Connect(ctx context.Context) error
	Disconnect()

	// ClearCredentials logs the account out and drops stored auth material,
	// forcing a fresh pairing on the next Connect.
	ClearCredentials(ctx context.Context) error
	HasCredentials() bool
	SelfID() (string, bool)

	// Events yields connection and message events in emission order.
	Events() <-chan Event

	SendText(ctx context.Context, chat, text string) (string, error)
	SendPoll(ctx context.Context, chat, question string, options []string) (string, error)
	SendButtons(ctx context.Context, chat, text string, buttons []Button) (string, error)

	GroupInfo(ctx context.Context, groupID string) (*GroupInfo, error)
	FindGroupBySubject(ctx context.Context, subject string) (*GroupInfo, error)
	CreateGroup(ctx context.Context, subject string, participants []string) (*GroupInfo, error)
	AddParticipants(ctx context.Context, groupID string, participants []string) error

	DecryptPollVote(ctx context.Context, ev *MessageEvent) (*PollVoteResult, error)
	StoredPoll(ctx context.Context, pollMessageID string) (*PollPayload, error)

	Close()
}
