package templates

import "github.com/relaypoint/portal-bridge/internal/domain"

// seedTemplates is the built-in template set installed by Seed. Operators
// may edit the stored rows afterwards; re-seeding restores these texts.
var seedTemplates = map[string]string{
	domain.TplWelcomeStatus: `Hi {{ name }},

This mailbox is connected to your texting service. Emails you send here are delivered as text messages, and replies come back to this inbox.

Accounts you can write to:
{{ bot_accounts | join_lines }}

Your contacts:
{{ contacts | join_lines }}

Recent texts:
{{ sms_statuses | join_lines }}

To text a contact, put their name or number in the subject line and your message in the body. Send "Contact List" at any time to see your saved contacts.`,

	domain.TplSignupInstructions: `Hi {{ name }},

Your account is not active yet. Ask someone on the outside to finish signing you up, then write back to this mailbox.

Accounts you can write to:
{{ bot_accounts | join_lines }}`,

	domain.TplInstructionalError: `Hi {{ name }},

We could not understand your last message.

To manage contacts, put one of these in the subject line:
Add Contact Number <name> <number>
Add Contact Email <name> <email>
Update Contact Number <name> <number>
Update Contact Email <name> <email>
Remove Contact <name>
Contact List

To text a contact, put their name or number in the subject line and your message in the body.`,

	domain.TplFamilyContactUpdate: `Hi {{ name }},
{%- if new_contacts.size > 0 %}

Updates:
{{ new_contacts | join_lines }}
{%- endif %}
{%- if failed_contacts.size > 0 %}

Not completed:
{{ failed_contacts | join_lines }}
{%- endif %}

Your contacts:
{{ contacts | join_lines }}`,

	domain.TplMessageSentConfirmation: `Hi {{ name }},

Your message to {{ detail }} was sent.

Recent texts:
{{ sms_statuses | join_lines }}`,

	domain.TplContactNotFound: `Hi {{ name }},

We could not find a contact matching "{{ detail }}".

Your contacts:
{{ contacts | join_lines }}

Send "Contact List" at any time to see this list again.`,

	domain.TplContactList: `Hi {{ name }},

Your contacts:
{{ contacts | join_lines }}

To add one, send "Add Contact Number <name> <number>" or "Add Contact Email <name> <email>".`,

	domain.TplTextNotSentError: `Hi {{ name }},

Your message to {{ detail }} could not be delivered. Check the number and try again, or send "Contact List" to see your saved contacts.`,

	domain.TplScreennameConfirmation: `Hi {{ name }},

Your screen name is now "{{ detail }}". Texts you send will show this name.`,

	domain.TplScreennameError: `Hi {{ name }},

We could not update your screen name. Send "Screen Name <new name>" with the name you want to use.`,

	domain.TplListPenpalUsers: `Users on this account:
{{ users | join_lines }}`,

	domain.TplFamilyTextToCL: `{{ detail }}

- {{ name }}`,
}
