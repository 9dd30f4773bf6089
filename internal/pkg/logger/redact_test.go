package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-address"))
}

func TestRedactPhone(t *testing.T) {
	assert.Equal(t, "***1234", RedactPhone("+1 (402) 555-1234"))
	assert.Equal(t, "***1234", RedactPhone("4025551234"))
	assert.Equal(t, "***", RedactPhone("911"))
	assert.Equal(t, "***", RedactPhone(""))
}

func TestRedactPIIValueByKey(t *testing.T) {
	assert.Equal(t, "jo***@relay.test", redactPIIValue("mailbox", "john@relay.test"))
	assert.Equal(t, "***5309", redactPIIValue("phone_number", "8675309"))
	// Generic fields still have embedded addresses masked.
	assert.Equal(t, "reply from jo***@relay.test bounced",
		redactPIIValue("detail", "reply from john@relay.test bounced"))
}
