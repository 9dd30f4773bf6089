package commands

import (
	"regexp"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/relaypoint/portal-bridge/internal/domain"
)

// action is what a classified subject asks the interpreter to do.
type action int

const (
	actionUnknown action = iota
	actionAdd
	actionUpdate
	actionRemove
	actionList
	actionScreenName
	actionPrivate
)

// medium says which contact field a command targets. mediumAuto commands
// ("Add Contact Daffy 4025551234") let the parsed detail decide.
type medium int

const (
	mediumAuto medium = iota
	mediumEmail
	mediumNumber
)

// command is one recognized subject form.
type command struct {
	text   string
	tokens int
	act    action
	medium medium
}

// commandSet is ordered: earlier entries win exact ties, so the original
// add/update/remove/list precedence is preserved for ambiguous subjects.
var commandSet = []command{
	{"Add Contact Email", 3, actionAdd, mediumEmail},
	{"Add Contact Number", 3, actionAdd, mediumNumber},
	{"Update Contact Email", 3, actionUpdate, mediumEmail},
	{"Update Contact Number", 3, actionUpdate, mediumNumber},
	{"Remove Contact", 2, actionRemove, mediumAuto},
	{"Contact List", 2, actionList, mediumAuto},
	{"Add Contact", 2, actionAdd, mediumAuto},
	{"Update Contact", 2, actionUpdate, mediumAuto},
	{"Screen Name", 2, actionScreenName, mediumAuto},
	{"Private", 1, actionPrivate, mediumAuto},
}

// matchThreshold is the minimum fuzzy similarity for a command match.
const matchThreshold = 90

var (
	phoneRe = regexp.MustCompile(`(?:\+1[-.\s]?)?(?:\(?\d{3}\)?[-.\s]?)\d{3}[-.\s]?\d{4}`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`)
)

// Handles reports whether subject belongs to the interpreter. Subjects that
// are only a phone number, or that mention "text" anywhere, are texts for
// the SMS dispatcher to send.
func Handles(subject string) bool {
	s := strings.TrimSpace(subject)
	if strings.Contains(strings.ToLower(s), "text") {
		return false
	}
	if s != "" && strings.TrimSpace(phoneRe.ReplaceAllString(s, "")) == "" {
		return false
	}
	return true
}

// classify fuzzy-matches the leading tokens of subject against the command
// set and returns the winner plus the remaining tokens. Each command is
// scored against a prefix of its own token length; the best score wins and
// longer command texts break ties, so "Add Contact Email" beats the short
// form "Add Contact" when both match exactly.
func classify(subject string) (command, []string, bool) {
	tokens := strings.Fields(subject)
	if len(tokens) == 0 {
		return command{}, nil, false
	}

	var (
		best      command
		bestScore int
		found     bool
	)
	for _, c := range commandSet {
		n := c.tokens
		if n > len(tokens) {
			n = len(tokens)
		}
		prefix := strings.Join(tokens[:n], " ")
		score := fuzzy.WRatio(strings.ToLower(prefix), strings.ToLower(c.text))
		if score < matchThreshold {
			continue
		}
		// "Private" toggles account state and must be the whole subject.
		if c.act == actionPrivate && len(tokens) != 1 {
			continue
		}
		if !found || score > bestScore || (score == bestScore && len(c.text) > len(best.text)) {
			best, bestScore, found = c, score, true
		}
	}
	if !found {
		return command{}, nil, false
	}

	var rest []string
	if best.tokens < len(tokens) {
		rest = tokens[best.tokens:]
	}
	return best, rest, true
}

// contactInfo is the name/detail split of everything after the command.
type contactInfo struct {
	Name     string
	Email    string
	PhoneRaw string // phone as written in the subject
	Phone    string // canonical ten digit form, empty when PhoneRaw is invalid
}

// parseContactInfo pulls an email address and a phone number out of the
// post-command tokens; whatever is left over, whitespace collapsed, is the
// contact name.
func parseContactInfo(rest []string) contactInfo {
	s := strings.Join(rest, " ")

	var info contactInfo
	info.Email = emailRe.FindString(s)
	info.PhoneRaw = phoneRe.FindString(s)
	if info.PhoneRaw != "" {
		if p, ok := domain.NormalizePhone(info.PhoneRaw); ok {
			info.Phone = p
		}
	}

	remainder := s
	if info.Email != "" {
		remainder = strings.Replace(remainder, info.Email, "", 1)
	}
	if info.PhoneRaw != "" {
		remainder = strings.Replace(remainder, info.PhoneRaw, "", 1)
	}
	info.Name = strings.Join(strings.Fields(remainder), " ")
	return info
}

// resolveDetail decides whether a command targets the email or the phone
// field and validates the value. Validation messages accumulate into the
// returned slice; an empty slice means detail holds a usable value.
func resolveDetail(med medium, info contactInfo) (medium, string, []string) {
	switch med {
	case mediumEmail:
		if info.Email == "" {
			return mediumEmail, "", []string{"Invalid email address format."}
		}
		return mediumEmail, info.Email, nil
	case mediumNumber:
		if info.Phone == "" {
			return mediumNumber, "", []string{"Invalid phone number format."}
		}
		return mediumNumber, info.Phone, nil
	default:
		if info.PhoneRaw != "" {
			if info.Phone == "" {
				return mediumNumber, "", []string{"Invalid phone number format."}
			}
			return mediumNumber, info.Phone, nil
		}
		if info.Email != "" {
			return mediumEmail, info.Email, nil
		}
		return mediumAuto, "", []string{"Contact email or number is required."}
	}
}
