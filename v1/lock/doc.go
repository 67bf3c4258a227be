// Package lock provides a distributed mutual-exclusion lock stored as a
// "_lock:"+key entry in the core. Acquisition retries create-if-absent with
// randomized exponential backoff; release only deletes the entry when it
// still holds the caller's nonce. Unlock hints on a syncbus Bus let waiters
// retry early, but correctness never depends on them.
package lock
