/*
Package events provides an in-memory event broker for broadcasting
crawl lifecycle events (task enqueued/leased/finished/failed, lease
reclamation, auth-redirect detection, asset versioning, exceptions,
run start/finish) to in-process subscribers. Delivery is best-effort:
a subscriber with a full buffer drops the event rather than blocking
the publisher, since nothing in the core's correctness invariants
depends on event delivery (spec §5, "observability counters ... may be
eventually consistent").
*/
package events
