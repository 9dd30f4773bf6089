package mailbox

import (
	"errors"
	"fmt"
	"strings"
)

// Markers in the Portal's invitation notification emails.
const (
	inviteSubjectMarker = "Person in Custody:"
	inviteCodePrefix    = "Identification Code:"
)

var (
	// ErrNotInvite means the message is not an invitation notification.
	ErrNotInvite = errors.New("not an invitation email")
	// ErrMalformedInvite means the subject matched but the body carried
	// no identification code line.
	ErrMalformedInvite = errors.New("malformed invitation email")
)

// Invite is one parsed invitation: the code to enter on the Portal's
// pending-contact page and the sender it belongs to.
type Invite struct {
	Code     string
	FullName string
	UID      uint32
}

// ParseInvite extracts the invitation code and sender name from a
// notification email. The subject ends "Person in Custody: Last, First";
// the body carries a line "Identification Code: XXXX".
func ParseInvite(msg *Message) (*Invite, error) {
	idx := strings.Index(msg.Subject, inviteSubjectMarker)
	if idx < 0 {
		return nil, ErrNotInvite
	}

	var code string
	for _, line := range strings.Split(msg.Body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, inviteCodePrefix) {
			code = strings.TrimSpace(strings.TrimPrefix(line, inviteCodePrefix))
			break
		}
	}
	if code == "" {
		return nil, fmt.Errorf("%w: no identification code line", ErrMalformedInvite)
	}

	tail := msg.Subject[idx+len(inviteSubjectMarker):]
	return &Invite{Code: code, FullName: flipName(tail), UID: msg.UID}, nil
}

// flipName turns the subject's "Last, First" into "First Last". Names
// without a comma pass through unchanged.
func flipName(s string) string {
	s = strings.TrimSpace(s)
	i := strings.Index(s, ",")
	if i < 0 {
		return s
	}
	last := strings.TrimSpace(s[:i])
	first := strings.TrimSpace(s[i+1:])
	return strings.TrimSpace(first + " " + last)
}
