// Package txbox implements the transactional outbox and the transactional inbox barrier
// on top of database/sql.
//
// The outbox side guarantees that a message is published if, and only if, the business
// transaction that produced it commits:
//
//  1. Registering: a [Registrar] inserts a Pending row into the "outbox" table using the
//     caller's transaction, so the row commits or rolls back together with the business change.
//
//  2. Dispatching: a [Dispatcher] running on every node leases due rows (lock_id + lock_time),
//     publishes them through a [MessagePublisher] and marks them Succeeded, or Failed with a
//     backoff-scheduled retry. A lease left behind by a crashed node expires after the lock
//     timeout and the row becomes claimable again.
//
// The inbox side guarantees that a consumer applies the business effect of a message once,
// even when the broker redelivers it or several consumers race for it. A [Barrier] records
// a row per (consumer, message) in the "inbox_barrier" table and runs the handler only when
// it enters the barrier; completed pairs short-circuit and in-flight pairs report busy.
//
// A [Cleaner] removes completed rows from both tables by age and by count.
//
// Every state change that releases a lease is a conditional UPDATE on the lock_id that owns
// the row; losing that race affects zero rows and is not an error. SQL is issued per dialect
// by a [Provider] chosen by name (postgres, mysql, mariadb, sqlserver, sqlite, oracle).
//
// [Engine] wires all components from a [Config] for services that want the defaults.
package txbox
