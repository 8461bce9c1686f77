package cerver

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dcrodman/cerver/internal/core/client"
)

// startInactiveCheck tracks every client in a cache whose entries expire after
// maxInactive. Receiving a packet refreshes the entry; expired clients are dropped.
func (c *Cerver) startInactiveCheck(maxInactive, checkInterval time.Duration) {
	if maxInactive <= 0 {
		return
	}

	cache := gocache.New(maxInactive, checkInterval)
	cache.OnEvicted(func(_ string, value interface{}) {
		cl := value.(*client.Client)
		// Entries are also evicted when a client leaves on its own.
		if !c.hasClient(cl) {
			return
		}
		c.logger.Infof("[%s] dropping client %s after %s of inactivity",
			c.name, cl.Name, time.Since(cl.LastActivity()).Round(time.Millisecond))
		c.disconnect(cl)
	})

	c.clientsMu.Lock()
	c.inactive = cache
	for _, cl := range c.clients {
		cache.SetDefault(inactiveKey(cl), cl)
	}
	c.clientsMu.Unlock()
}

func (c *Cerver) stopInactiveCheck() {
	c.clientsMu.Lock()
	cache := c.inactive
	c.inactive = nil
	c.clientsMu.Unlock()

	if cache != nil {
		cache.OnEvicted(nil)
		cache.Flush()
	}
}

func (c *Cerver) inactiveCache() *gocache.Cache {
	c.clientsMu.RLock()
	defer c.clientsMu.RUnlock()
	return c.inactive
}

func (c *Cerver) touchInactive(cl *client.Client) {
	if cache := c.inactiveCache(); cache != nil {
		cache.SetDefault(inactiveKey(cl), cl)
	}
}

func (c *Cerver) forgetInactive(cl *client.Client) {
	if cache := c.inactiveCache(); cache != nil {
		cache.Delete(inactiveKey(cl))
	}
}

func inactiveKey(cl *client.Client) string {
	return strconv.FormatUint(cl.ID(), 10)
}
