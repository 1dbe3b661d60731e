package lock

import (
	"github.com/mirkobrombin/go-storelock/v1/metrics"
)

// refresh renews the record of token and re-arms itself. It stops for good
// once the token is released or the record changed hands.
func (l *Locker) refresh(key, token string) {
	ctx := l.ctx
	if err := l.tokens.Lock(ctx, token); err != nil {
		return
	}
	defer l.tokens.Unlock(token)
	if !l.isHeld(token) {
		return
	}

	sk := l.storageKey(key)
	raw, found, err := l.store.Get(ctx, sk)
	if err != nil {
		metrics.RefreshCounter.WithLabelValues("error").Inc()
		l.log.Warn("storelock: refresh read failed", "key", key, "token", token, "error", err)
		l.rearm(key, token)
		return
	}
	var rec Record
	if found {
		rec, err = ParseRecord(raw)
	}
	if !found || err != nil || rec.ID != l.owner || rec.Token != token {
		metrics.RefreshCounter.WithLabelValues("lost").Inc()
		l.log.Debug("storelock: lease lost", "key", key, "token", token)
		l.drop(token)
		return
	}

	now := l.cfg.sched.Now().UnixMilli()
	rec.TimeRefreshed = &now
	enc, err := rec.encode()
	if err == nil {
		err = l.store.Set(ctx, sk, enc)
	}
	if err != nil {
		metrics.RefreshCounter.WithLabelValues("error").Inc()
		l.log.Warn("storelock: refresh write failed", "key", key, "token", token, "error", err)
		l.rearm(key, token)
		return
	}
	metrics.RefreshCounter.WithLabelValues("ok").Inc()
	l.renewed(token)
	l.rearm(key, token)
}

// renewed cancels the auto-release of token; renewal has taken over.
func (l *Locker) renewed(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[token]
	if !ok || h.autoRelease == nil {
		return
	}
	h.autoRelease.Stop()
	h.autoRelease = nil
}

func (l *Locker) rearm(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[token]
	if !ok || l.closed {
		return
	}
	h.refresh = l.cfg.sched.AfterFunc(l.cfg.refreshInterval, func() {
		l.refresh(key, token)
	})
}
