package lock

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-storelock/v1/adapter"
	"github.com/mirkobrombin/go-storelock/v1/metrics"
)

// corruptSighting remembers when an unparsable value was first seen.
type corruptSighting struct {
	raw   string
	first time.Time
}

// reclaim deletes lock records whose owner stopped renewing them and wakes
// the waiters if anything was removed. Failures only skip work; the acquire
// loop carries on.
func (l *Locker) reclaim(ctx context.Context) {
	prefix := l.cfg.prefix + "-"
	keys, err := l.async.KeysAsync(ctx, prefix).Wait(ctx)
	if err != nil {
		l.log.Warn("storelock: reclaim listing failed", "prefix", prefix, "error", err)
		return
	}
	pending := make([]*adapter.Future[adapter.Lookup], len(keys))
	for i, k := range keys {
		pending[i] = l.async.GetAsync(ctx, k)
	}

	now := l.cfg.sched.Now()
	cutoff := now.Add(-l.cfg.staleAfter)
	seen := make(map[string]struct{}, len(keys))
	removed := 0
	for i, f := range pending {
		k := keys[i]
		lk, err := f.Wait(ctx)
		if err != nil {
			l.log.Warn("storelock: reclaim read failed", "key", k, "error", err)
			continue
		}
		if !lk.Found {
			continue
		}
		var stale bool
		if rec, perr := ParseRecord(lk.Value); perr != nil {
			seen[k] = struct{}{}
			stale = l.corruptExpired(k, lk.Value, now)
		} else {
			stale = rec.LastProof().Before(cutoff)
		}
		if !stale {
			continue
		}
		if err := l.store.Remove(ctx, k); err != nil {
			l.log.Warn("storelock: reclaim remove failed", "key", k, "error", err)
			continue
		}
		removed++
		metrics.ReclaimedCounter.Inc()
		l.log.Info("storelock: reclaimed stale lock", "key", k)
	}
	l.forgetCorrupt(seen)
	if removed > 0 {
		l.cfg.waiters.Notify()
	}
}

// corruptExpired reports whether key has held the same unparsable value for
// longer than the stale threshold.
func (l *Locker) corruptExpired(key, raw string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.corrupt[key]
	if !ok || s.raw != raw {
		l.corrupt[key] = corruptSighting{raw: raw, first: now}
		return false
	}
	if now.Sub(s.first) > l.cfg.staleAfter {
		delete(l.corrupt, key)
		return true
	}
	return false
}

func (l *Locker) forgetCorrupt(seen map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.corrupt {
		if _, ok := seen[k]; !ok {
			delete(l.corrupt, k)
		}
	}
}
