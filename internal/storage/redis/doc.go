// Package redis builds the shared Redis client used by the durable work
// queue, the dedup ledger and the alert notifier.
package redis
