package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// cappedDoubling implements backoff.BackOff directly: the library's own
// ExponentialBackOff adds jitter and a max-elapsed-time cutoff that don't
// match the reconnect formula min(1000*2^(n-1), max), so the formula is
// implemented here and driven by the library's Retry loop.
type cappedDoubling struct {
	attempt int
	base    time.Duration
	max     time.Duration
}

func newCappedDoubling(max time.Duration) *cappedDoubling {
	return &cappedDoubling{base: time.Second, max: max}
}

func (b *cappedDoubling) NextBackOff() time.Duration {
	b.attempt++
	delay := b.base * time.Duration(1<<uint(b.attempt-1))
	if delay > b.max || delay <= 0 {
		delay = b.max
	}
	return delay
}

func (b *cappedDoubling) Reset() {
	b.attempt = 0
}

// reconnectEntry tracks one device's outstanding reconnect loop, kept
// separate from the connection table so a completed removal does not
// resurrect a peer no longer wanted.
type reconnectEntry struct {
	cancel context.CancelFunc
}

func (t *Transport) scheduleReconnect(deviceID string) {
	t.mu.Lock()
	if _, exists := t.reconnect[deviceID]; exists {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.reconnect[deviceID] = &reconnectEntry{cancel: cancel}
	resolve := t.resolve
	t.mu.Unlock()

	cappedPolicy := newCappedDoubling(MaxReconnectDelay)
	policy := backoff.WithContext(cappedPolicy, ctx)

	go func() {
		// backoff.Retry invokes its operation immediately on the first
		// call and only spends NextBackOff's delay between later
		// retries, but the reconnect formula (spec.md's testable
		// property 6) requires the first attempt itself to wait
		// min(1000*2^(n-1), max) for n=1. Consume that first delay here
		// before handing off to Retry, which will then apply the n=2,
		// n=3, ... delays as usual between subsequent attempts.
		initialDelay := cappedPolicy.NextBackOff()
		timer := time.NewTimer(initialDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		_ = backoff.Retry(func() error {
			t.mu.Lock()
			_, stillWanted := t.reconnect[deviceID]
			t.mu.Unlock()
			if !stillWanted {
				return nil
			}
			if resolve == nil {
				return fmt.Errorf("transport: no device resolver configured")
			}
			hostname, dnsName, port, ok := resolve(deviceID)
			if !ok {
				return fmt.Errorf("transport: device %s no longer known", deviceID)
			}
			connectCtx, cancelDial := context.WithTimeout(ctx, DialTimeout)
			_, err := t.Connect(connectCtx, deviceID, hostname, dnsName, port)
			cancelDial()
			return err
		}, policy)
	}()
}

func (t *Transport) cancelReconnect(deviceID string) {
	t.mu.Lock()
	entry, ok := t.reconnect[deviceID]
	if ok {
		delete(t.reconnect, deviceID)
	}
	t.mu.Unlock()
	if ok {
		entry.cancel()
	}
}
