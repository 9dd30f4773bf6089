// Package api serves the bridge's public HTTP surface: the inbound SMS
// webhook the gateway calls when a recipient replies, plus health and
// worker-stats endpoints for monitoring.
package api
