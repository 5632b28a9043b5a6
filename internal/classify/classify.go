// Package classify routes inbound transport events.
package classify

import (
	"strings"

	"github.com/teamrelay/teamrelay/internal/transport"
)

// MarkerPrefix tags every engine-generated outbound message. Inbound events
// carrying it are echoes of our own output and must never be reacted to.
// U+200E renders invisibly in WhatsApp clients.
const MarkerPrefix = "‎"

// Kind is the routing decision for one inbound event.
type Kind int

const (
	// Ignore drops the event entirely.
	Ignore Kind = iota
	// Team routes the event into the team group flow: the vote resolver runs
	// first, and events it yields no decision for are treated as team chat.
	Team
	// Direct routes the event to the backend for response generation.
	Direct
)

func (k Kind) String() string {
	switch k {
	case Ignore:
		return "ignore"
	case Team:
		return "team"
	case Direct:
		return "direct"
	}
	return "unknown"
}

// Classify applies the routing rules in order. teamGroupID may be empty while
// the team group has not been resolved yet; team traffic then falls through
// to Direct, which is harmless because the group cannot carry approvals
// before it exists.
func Classify(ev transport.MessageEvent, teamGroupID string) Kind {
	if ev.Chat == transport.BroadcastAddress {
		return Ignore
	}
	if strings.HasPrefix(ev.Text, MarkerPrefix) {
		return Ignore
	}
	hasVotePayload := ev.Kind == transport.PayloadButtonReply || ev.Kind == transport.PayloadPollVote
	if ev.Text == "" && !hasVotePayload {
		return Ignore
	}
	if teamGroupID != "" && ev.Chat == teamGroupID {
		return Team
	}
	return Direct
}
