// Package model holds the ticket-grab task, its passengers and log entries,
// and the status transitions a task may take.
package model
