package domain

import (
	"strings"
	"time"
)

// User is an incarcerated correspondent on the Portal side of the bridge.
// Users are created on demand the first time a message arrives from a new
// pic_number; the pic_number is the natural key assigned by the Portal and
// identifies the same person forever.
type User struct {
	ID           int64     `json:"id" db:"id"`
	PicNumber    string    `json:"pic_number" db:"pic_number"`
	UserName     string    `json:"user_name" db:"user_name"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	ScreenName   string    `json:"screen_name" db:"screen_name"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	PrivateMode  bool      `json:"private_mode" db:"private_mode"`
	Balance      float64   `json:"balance" db:"balance"`
	SMSRemaining int       `json:"sms_remaining_in_period" db:"sms_remaining_in_period"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Contact is an outside party a user can text. (owner user, contact name)
// is unique. Phone numbers are stored in the canonical ten digit form
// produced by NormalizePhone; lookups always compare canonical values.
type Contact struct {
	ID           int64     `json:"id" db:"id"`
	UserID       int64     `json:"user_id" db:"user_id"`
	ContactName  string    `json:"contact_name" db:"contact_name"`
	PhoneNumber  *string   `json:"phone_number" db:"phone_number"`
	EmailAddress *string   `json:"email_address" db:"email_address"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Phone returns the contact's stored phone number or "" when unset.
func (c *Contact) Phone() string {
	if c.PhoneNumber == nil {
		return ""
	}
	return *c.PhoneNumber
}

// Email returns the contact's stored email address or "" when unset.
func (c *Contact) Email() string {
	if c.EmailAddress == nil {
		return ""
	}
	return *c.EmailAddress
}

// Detail is the value shown in contact listings: the email address when
// present, otherwise the phone number.
func (c *Contact) Detail() string {
	if e := c.Email(); e != "" {
		return e
	}
	return c.Phone()
}

// BuildUserName derives the generated account name for a first-sighted
// correspondent: display name with spaces removed, then "_", then the
// pic number. "COOK ZACHARY" + "15372010" becomes "COOKZACHARY_15372010".
func BuildUserName(displayName, picNumber string) string {
	return strings.ReplaceAll(displayName, " ", "") + "_" + picNumber
}
