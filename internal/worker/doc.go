// Package worker runs the bot pipeline: a scheduler ticks every few
// minutes, takes a per-bot distributed lock, and runs the stages in
// order (accept invitations, pull portal messages, push replies,
// dispatch texts). Stages are independent; one failing is logged and
// never stops the rest of the pipeline or other bots.
package worker
