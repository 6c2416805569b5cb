package schemas

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// -- Link Schemas --

// LinkStatus is the lifecycle state of a link. The numeric values are stable
// because historical records are queried by them.
type LinkStatus int

const (
	StatusHighViz   LinkStatus = -5
	StatusUntrusted LinkStatus = -4
	StatusExecute   LinkStatus = -3
	StatusDiscard   LinkStatus = -2
	StatusPause     LinkStatus = -1
	StatusSuccess   LinkStatus = 0
	StatusError     LinkStatus = 1
	StatusTimeout   LinkStatus = 124
)

// IsTerminal reports whether a link in this status will never change again.
func (s LinkStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusDiscard, StatusHighViz, StatusUntrusted:
		return true
	}
	return false
}

func (s LinkStatus) String() string {
	switch s {
	case StatusHighViz:
		return "high_viz"
	case StatusUntrusted:
		return "untrusted"
	case StatusExecute:
		return "execute"
	case StatusDiscard:
		return "discard"
	case StatusPause:
		return "pause"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Link is one scheduled or executed instance of an ability run by one agent.
type Link struct {
	ID       string   `json:"id"`
	Paw      string   `json:"paw"`
	Ability  Ability  `json:"ability"`
	Executor Executor `json:"executor"`
	// Command is the rendered command, base64 encoded.
	Command    string     `json:"command"`
	Status     LinkStatus `json:"status"`
	Score      int        `json:"score"`
	Visibility int        `json:"visibility"`
	// Used are the facts substituted into the command template.
	Used          []Fact         `json:"used,omitempty"`
	Facts         []Fact         `json:"facts,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Decide        time.Time      `json:"decide"`
	Finish        time.Time      `json:"finish,omitempty"`
}

// EncodeCommand base64-encodes a plain-text command for storage on a link.
func EncodeCommand(plain string) string {
	return base64.StdEncoding.EncodeToString([]byte(plain))
}

// DecodedCommand returns the plain-text command.
func (l *Link) DecodedCommand() (string, error) {
	raw, err := base64.StdEncoding.DecodeString(l.Command)
	if err != nil {
		return "", fmt.Errorf("failed to decode command of link %s: %w", l.ID, err)
	}
	return string(raw), nil
}

// OriginLinkPlaceholder is bound to the link's own id when it is applied.
const OriginLinkPlaceholder = "#{origin_link_id}"

// BindOriginLinkID replaces OriginLinkPlaceholder in the command with the
// link id. Commands that do not decode are left unchanged.
func (l *Link) BindOriginLinkID() {
	plain, err := l.DecodedCommand()
	if err != nil || !strings.Contains(plain, OriginLinkPlaceholder) {
		return
	}
	l.Command = EncodeCommand(strings.ReplaceAll(plain, OriginLinkPlaceholder, l.ID))
}

// AbilityID is a convenience accessor used heavily by the planners.
func (l *Link) AbilityID() string {
	return l.Ability.ID
}

// LinkResult is what the execution layer reports back for a dispatched link.
type LinkResult struct {
	LinkID        string         `json:"link_id"`
	Status        LinkStatus     `json:"status"`
	Output        string         `json:"output,omitempty"`
	Facts         []Fact         `json:"facts,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Finished      time.Time      `json:"finished"`
}
