// Package reactor provides the completion-driven I/O facility spec.md §5
// requires from the host: a one-shot timer Scheduler (api.Scheduler,
// backed by the standard library — no corpus dependency offers timer
// scheduling) and a poll-mode file-descriptor Reactor, implemented with
// Linux epoll via golang.org/x/sys and falling back to a goroutine-driven
// stub elsewhere.
package reactor
