// Package templates renders the keyed operator messages sent back through
// the Portal: contact update receipts, welcome/status notes, command help,
// and delivery failure notices.
//
// Template text lives in the response_templates table so operators can edit
// wording without a deploy. Keys are fixed constants in the domain package;
// rendering an unknown key is an error, never a silent fallback.
package templates
