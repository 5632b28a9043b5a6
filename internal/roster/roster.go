// Package roster keeps the team group's membership in line with the
// configured participant set.
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/teamrelay/teamrelay/internal/transport"
)

// Directory is the group-management slice of the transport capability.
type Directory interface {
	FindGroupBySubject(ctx context.Context, subject string) (*transport.GroupInfo, error)
	CreateGroup(ctx context.Context, subject string, participants []string) (*transport.GroupInfo, error)
	AddParticipants(ctx context.Context, groupID string, participants []string) error
}

// IdentityFunc reads the paired account's cached address. Nil in the
// single-account configuration.
type IdentityFunc func() (string, bool)

// Manager ensures the team group exists and contains the required
// participants. Idempotent: it only ever adds the missing subset and never
// removes members.
type Manager struct {
	directory Directory
	subject   string
	required  []string
	paired    IdentityFunc
	log       *slog.Logger
}

func NewManager(directory Directory, subject string, required []string, paired IdentityFunc, log *slog.Logger) *Manager {
	return &Manager{
		directory: directory,
		subject:   subject,
		required:  required,
		paired:    paired,
		log:       log,
	}
}

// Ensure runs on every successful connect. It resolves the team group by
// subject, creating it when absent, and adds whichever desired participants
// are not yet members.
func (m *Manager) Ensure(ctx context.Context) (*transport.GroupInfo, error) {
	desired := m.desiredParticipants()

	group, err := m.directory.FindGroupBySubject(ctx, m.subject)
	if err != nil {
		return nil, fmt.Errorf("resolve team group %q: %w", m.subject, err)
	}
	if group == nil {
		group, err = m.directory.CreateGroup(ctx, m.subject, desired)
		if err != nil {
			return nil, fmt.Errorf("create team group %q: %w", m.subject, err)
		}
		m.log.Info("created team group", "subject", m.subject, "participants", len(desired))
		return group, nil
	}

	missing := missingParticipants(desired, group.Participants)
	if len(missing) == 0 {
		return group, nil
	}
	if err := m.directory.AddParticipants(ctx, group.ID, missing); err != nil {
		return nil, fmt.Errorf("add team group participants: %w", err)
	}
	m.log.Info("added missing team group participants", "subject", m.subject, "added", len(missing))
	for _, id := range missing {
		group.Participants = append(group.Participants, transport.Participant{ID: id})
	}
	return group, nil
}

func (m *Manager) desiredParticipants() []string {
	desired := append([]string(nil), m.required...)
	if m.paired != nil {
		if id, ok := m.paired(); ok && id != "" {
			desired = append(desired, id)
		}
	}
	return desired
}

func missingParticipants(desired []string, members []transport.Participant) []string {
	present := make(map[string]bool, len(members))
	for _, p := range members {
		present[normalizeID(p.ID)] = true
	}
	var missing []string
	seen := make(map[string]bool)
	for _, id := range desired {
		key := normalizeID(id)
		if key == "" || present[key] || seen[key] {
			continue
		}
		seen[key] = true
		missing = append(missing, id)
	}
	return missing
}

// normalizeID compares participants by user part only, so bare numbers in the
// config match fully qualified addresses in the group roster.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if at := strings.IndexByte(id, '@'); at >= 0 {
		id = id[:at]
	}
	return id
}
