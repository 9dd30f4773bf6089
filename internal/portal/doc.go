// Package portal drives the correspondence website: it owns authenticated
// sessions (one per bot, cached and invalidated explicitly) and the ASP.NET
// scraping needed to read the inbox. Pages are classic WebForms: every
// round trip carries a compressed viewstate blob, and message bodies are
// fetched through the grid's AJAX postback rather than per-message URLs.
//
// The element ids and selectors the scraper keys on live in
// config.PortalConfig so a portal markup change is a config change, not a
// code change.
package portal
