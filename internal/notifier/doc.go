// Package notifier pushes task outcomes to the user's notification channels.
//
// Notify only enqueues. A small worker pool drains the queue, sends every
// message to all active channels at once and waits for them, retrying only
// the channels that failed. Sends are rate limited and identical messages
// inside the dedup window are suppressed, optionally across restarts via the
// store.
//
// The channel set is swapped in place by ReloadConfig; queued messages go to
// whatever set is live when they are sent.
package notifier
