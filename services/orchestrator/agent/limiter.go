// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"context"
	"sync"
	"time"
)

// UserLimiter serializes turns per user id: a user's second turn waits for
// (or gives up on) their first, while distinct users proceed concurrently.
//
// Slots are created lazily and garbage collected after sitting idle, so the
// map does not grow with every user id ever seen.
//
// Thread Safety: Safe for concurrent use.
type UserLimiter struct {
	mu    sync.Mutex
	slots map[string]*userSlot

	idleTTL    time.Duration
	gcInterval time.Duration
	lastGC     time.Time
}

type userSlot struct {
	gate     chan struct{} // capacity 1
	refs     int
	lastUsed time.Time
}

// NewUserLimiter creates a limiter. idleTTL defaults to 10 minutes.
func NewUserLimiter(idleTTL time.Duration) *UserLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &UserLimiter{
		slots:      make(map[string]*userSlot),
		idleTTL:    idleTTL,
		gcInterval: idleTTL,
		lastGC:     time.Now(),
	}
}

// Acquire blocks until the user's slot is free or the context ends. The
// returned release function must be called exactly once.
func (l *UserLimiter) Acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	l.maybeGCLocked()
	slot, ok := l.slots[userID]
	if !ok {
		slot = &userSlot{gate: make(chan struct{}, 1)}
		l.slots[userID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.gate <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, slot, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(userID, slot, true) })
	}, nil
}

func (l *UserLimiter) release(userID string, slot *userSlot, held bool) {
	if held {
		<-slot.gate
	}
	l.mu.Lock()
	slot.refs--
	slot.lastUsed = time.Now()
	l.mu.Unlock()
}

// maybeGCLocked sweeps idle slots. Must be called with the lock held.
func (l *UserLimiter) maybeGCLocked() {
	now := time.Now()
	if now.Sub(l.lastGC) < l.gcInterval {
		return
	}
	l.lastGC = now
	for id, slot := range l.slots {
		if slot.refs == 0 && now.Sub(slot.lastUsed) > l.idleTTL {
			delete(l.slots, id)
		}
	}
}

// ActiveSlots returns the number of tracked users, for observability.
func (l *UserLimiter) ActiveSlots() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
