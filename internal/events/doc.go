// Package events carries job lifecycle notifications from the queue manager
// to interested components.
//
// The queue emits a JobEvent when a job completes, fails terminally, is
// scheduled for another attempt, or is found stalled. Handlers are registered
// on an EventEmitter and run synchronously on the worker that produced the
// event, so they should return quickly.
package events
