// Package domain contains the job model, the queue and cache type names, the
// typed request and result shapes for each queue type, and the error kinds the
// rest of the system uses to decide whether a failure is retried, surfaced, or
// recorded as terminal. It has no dependency on storage or transport.
package domain
