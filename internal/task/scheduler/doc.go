// Package scheduler turns cron expressions and fixed intervals into engine
// submissions. It only triggers; execution, overlap gating and the worker
// bound live in package engine.
//
// Each schedule is keyed by name. Registering a name again replaces the
// previous definition, so there is never more than one timer per name.
package scheduler
