// Package commands interprets the contact-management emails users send
// from inside the Portal.
//
// A command lives in the subject line: the leading tokens name the action
// ("Add Contact Number", "Remove Contact", "Contact List", ...) and the
// rest carries the contact name and an email address or phone number.
// Classification is fuzzy so misspelled commands still route correctly.
//
// Subjects that are only a phone number, or that mention "text", are texts
// to dispatch, not commands; the interpreter leaves them for the SMS
// dispatcher. Everything else it consumes: recognized commands run against
// the contact store, unrecognized subjects get an instructional reply, and
// either way the email is marked processed so no tick sees it twice.
//
// All effects flow through ports supplied at construction. The interpreter
// never talks to the Portal itself; it renders a reply through the template
// service and hands the body to a ReplySender.
package commands
