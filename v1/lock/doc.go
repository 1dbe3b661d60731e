// Package lock provides mutual exclusion between execution contexts that
// share nothing but a key-value store without compare-and-swap and an
// optional best-effort change signal.
//
// A lock is taken by writing a record, waiting long enough for concurrent
// writes to land, and re-reading it: whoever still sees its own record owns
// the lock. Owners renew their record periodically; contenders delete
// records whose last renewal is older than the staleness threshold, which
// recovers locks abandoned by crashed contexts.
//
// The delays assume the store serializes writes and makes them visible to
// every reader within VerifyDelay. Tune WithVerifyDelay and WithJitter for
// stores with higher write latency.
package lock
