package domain

import "time"

// ProcessedData is an audit row recording that a pipeline module finished
// handling one external item (an invitation code, a portal message). The
// (bot, module, original id) triple lets a module ask "have I done this
// already" after a crash or a replayed input.
type ProcessedData struct {
	ID                int64     `json:"id" db:"id"`
	BotID             int64     `json:"bot_id" db:"bot_id"`
	ModuleName        string    `json:"module_name" db:"module_name"`
	OriginalMessageID string    `json:"original_message_id" db:"original_message_id"`
	Status            string    `json:"status" db:"status"`
	ProcessedAt       time.Time `json:"processed_at" db:"processed_at"`
}

// Module names recorded in processed_data rows.
const (
	ModuleInviteAcceptor = "invite_acceptor"
	ModuleInboxPuller    = "inbox_puller"
	ModuleSMSDispatcher  = "sms_dispatcher"
	ModuleReplyPusher    = "reply_pusher"
)
