// Package notifier is the single gateway for outbound chat messages.
//
// Every send waits on a shared token bucket (burst 1) so two messages are
// never closer than the configured minimum interval. Callers block rather
// than being dropped. Text longer than one platform message is split, and
// each chunk is paced and retried on its own. Transient failures are retried
// with jittered exponential backoff; not-found and forbidden are final.
//
// A small in-memory history of recent sends is kept for debugging.
package notifier
