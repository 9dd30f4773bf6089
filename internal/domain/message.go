package domain

import "time"

// Email is one inbound Portal message pulled by a bot. Rows are immutable
// once written except for the is_processed flag, which flips when the
// message has been fully handled (SMS reached a terminal status, or the
// command interpreter answered it).
type Email struct {
	ID              int64     `json:"id" db:"id"`
	BotID           int64     `json:"bot_id" db:"bot_id"`
	UserID          int64     `json:"user_id" db:"user_id"`
	PortalMessageID int64     `json:"portal_message_id" db:"portal_message_id"`
	SentAt          time.Time `json:"sent_at" db:"sent_at"`
	Subject         string    `json:"subject" db:"subject"`
	Body            string    `json:"body" db:"body"`
	IsProcessed     bool      `json:"is_processed" db:"is_processed"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// SMSDirection distinguishes messages we dispatched from replies the
// gateway webhook delivered back to us.
type SMSDirection string

const (
	SMSInbound  SMSDirection = "inbound"
	SMSOutbound SMSDirection = "outbound"
)

// SMSStatus enumerates the delivery lifecycle of an SMS.
type SMSStatus string

const (
	SMSSent      SMSStatus = "sent"
	SMSDelivered SMSStatus = "delivered"
	SMSFailed    SMSStatus = "failed"
	SMSUnknown   SMSStatus = "unknown"
)

// IsTerminal returns true once the gateway's verdict on the message is final.
func (s SMSStatus) IsTerminal() bool {
	return s == SMSDelivered || s == SMSFailed
}

// SMS is one text message crossing the bridge in either direction. Every
// outbound SMS is derived from exactly one Email; inbound SMS inherit the
// bot, email, and contact of the outbound message they reply to.
type SMS struct {
	ID             int64        `json:"id" db:"id"`
	BotID          int64        `json:"bot_id" db:"bot_id"`
	ContactID      int64        `json:"contact_id" db:"contact_id"`
	EmailID        int64        `json:"email_id" db:"email_id"`
	PhoneNumber    string       `json:"phone_number" db:"phone_number"`
	Message        string       `json:"message" db:"message"`
	ExternalTextID *string      `json:"external_text_id" db:"external_text_id"`
	Direction      SMSDirection `json:"direction" db:"direction"`
	Status         SMSStatus    `json:"status" db:"status"`
	IsProcessed    bool         `json:"is_processed" db:"is_processed"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// TextID returns the gateway-assigned id or "" when the gateway never
// accepted the message.
func (s *SMS) TextID() string {
	if s.ExternalTextID == nil {
		return ""
	}
	return *s.ExternalTextID
}
