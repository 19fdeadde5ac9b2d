package degrade

import (
	"context"
	"net"
	"sync"
	"time"
)

// netCheckTTL bounds how often the DNS probe runs.
const netCheckTTL = 30 * time.Second

// netCheckTimeout caps one probe. DNS answers in well under a second on a
// working network; anything longer means offline for our purposes.
const netCheckTimeout = 2 * time.Second

// defaultProbeHost resolves from essentially anywhere with connectivity.
const defaultProbeHost = "one.one.one.one"

// NetChecker answers "do we have a network" with a best-effort DNS lookup,
// cached briefly so status polling stays free. A negative answer is the only
// path into OFFLINE mode.
type NetChecker struct {
	host string

	mu        sync.Mutex
	available bool
	checkedAt time.Time

	lookup func(ctx context.Context, host string) error
	now    func() time.Time
}

// NewNetChecker builds a checker probing host. The first Available call
// performs a real probe; until then the state is optimistically online.
func NewNetChecker(host string) *NetChecker {
	if host == "" {
		host = defaultProbeHost
	}
	return &NetChecker{
		host:      host,
		available: true,
		lookup: func(ctx context.Context, host string) error {
			_, err := net.DefaultResolver.LookupHost(ctx, host)
			return err
		},
		now: time.Now,
	}
}

// SetProber replaces the probe function. The server keeps the default DNS
// lookup; callers that must not touch the network inject their own.
func (c *NetChecker) SetProber(fn func(ctx context.Context, host string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookup = fn
}

// Available reports network reachability. The cached answer is reused
// within the TTL unless force is set.
func (c *NetChecker) Available(force bool) bool {
	c.mu.Lock()
	if !force && !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < netCheckTTL {
		avail := c.available
		c.mu.Unlock()
		return avail
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), netCheckTimeout)
	err := c.lookup(ctx, c.host)
	cancel()

	c.mu.Lock()
	c.available = err == nil
	c.checkedAt = c.now()
	avail := c.available
	c.mu.Unlock()
	return avail
}

// Last returns the last known answer without probing.
func (c *NetChecker) Last() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}
