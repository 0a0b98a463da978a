// Package delivery relays gateway events to tenant webhook URLs.
//
// # Overview
//
// Queue is a bounded FIFO of Jobs drained by a dispatcher loop that keeps at
// most Concurrency deliveries in flight. Enqueue never blocks: when the queue
// is full the job is dropped and counted. A failed delivery is retried after
// RetryBaseDelay*attempts by putting the job back at the front of the queue,
// until MaxRetries attempts have been made; after that the job is counted as
// failed and discarded. Delivery is at-least-once up to MaxRetries.
//
// # Sender
//
// HTTPSender POSTs the JSON payload with a per-request timeout. Each target
// host gets its own circuit breaker (sony/gobreaker) so one dead subscriber
// stops costing a full timeout per job once it has tripped.
//
// # Metrics
//
// Metrics returns processed, failed, queued and dropped counters plus the
// current queue size and number of active requests.
package delivery
