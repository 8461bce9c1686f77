package cerver

import (
	"context"
	"sync"
	"time"

	"github.com/dcrodman/cerver/internal/core/data"
	"github.com/dcrodman/cerver/internal/packets"
)

// Stats are the counters of a Cerver since it was created or since the last time
// the stats threshold elapsed.
type Stats struct {
	Since time.Time

	PacketsReceived uint64
	BytesReceived   uint64
	PacketsSent     uint64
	BytesSent       uint64
	BadPackets      uint64

	// Received packets per type.
	ReceivedByType map[packets.PacketType]uint64

	ConnectedClients uint64
	TotalConnections uint64

	// Connections waiting to authenticate and what they sent before they did.
	OnHoldConnections     uint64
	OnHoldPacketsReceived uint64
	OnHoldBytesReceived   uint64
}

type counters struct {
	mu    sync.Mutex
	stats Stats
}

func newCounters() *counters {
	return &counters{stats: Stats{
		Since:          time.Now(),
		ReceivedByType: make(map[packets.PacketType]uint64),
	}}
}

func (c *counters) received(t packets.PacketType, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(n)
	c.stats.ReceivedByType[t]++
}

func (c *counters) sent(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(n)
}

func (c *counters) badPacket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.BadPackets++
}

func (c *counters) clientConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.ConnectedClients++
	c.stats.TotalConnections++
}

func (c *counters) clientDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stats.ConnectedClients > 0 {
		c.stats.ConnectedClients--
	}
}

func (c *counters) receivedOnHold(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.OnHoldPacketsReceived++
	c.stats.OnHoldBytesReceived += uint64(n)
}

func (c *counters) connectionHeld() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.OnHoldConnections++
}

func (c *counters) connectionReleased() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stats.OnHoldConnections > 0 {
		c.stats.OnHoldConnections--
	}
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked()
}

// reset returns the current counters and starts a new period. The number of
// connected clients and on hold connections carries over.
func (c *counters) reset() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.copyLocked()
	c.stats = Stats{
		Since:            time.Now(),
		ReceivedByType:   make(map[packets.PacketType]uint64),
		ConnectedClients:  s.ConnectedClients,
		OnHoldConnections: s.OnHoldConnections,
	}
	return s
}

func (c *counters) copyLocked() Stats {
	s := c.stats
	s.ReceivedByType = make(map[packets.PacketType]uint64, len(c.stats.ReceivedByType))
	for t, n := range c.stats.ReceivedByType {
		s.ReceivedByType[t] = n
	}
	return s
}

// runStatsTicker snapshots and resets the stats every threshold until ctx is done.
func (c *Cerver) runStatsTicker(ctx context.Context, threshold time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(threshold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.stats.reset()
			c.logger.Infof("[%s] stats: %d packets (%d bytes) received, %d sent, %d bad, %d clients",
				c.name, s.PacketsReceived, s.BytesReceived, s.PacketsSent, s.BadPackets, s.ConnectedClients)
			c.persistStats(s, time.Now())
		}
	}
}

// saveStats persists the counters of the current period without resetting them.
func (c *Cerver) saveStats() {
	c.persistStats(c.stats.snapshot(), time.Now())
}

func (c *Cerver) persistStats(s Stats, end time.Time) {
	if c.rt.db == nil {
		return
	}
	name := c.Name()
	snapshot := s.toSnapshot(name, end)
	if err := data.SaveStatsSnapshot(c.rt.db, snapshot); err != nil {
		c.logger.Errorf("[%s] failed to save stats snapshot: %s", name, err)
		return
	}

	if c.statsRetention <= 0 {
		return
	}
	deleted, err := data.DeleteStatsSnapshotsBefore(c.rt.db, name, end.Add(-c.statsRetention))
	if err != nil {
		c.logger.Errorf("[%s] failed to prune stats snapshots: %s", name, err)
	} else if deleted > 0 {
		c.logger.Debugf("[%s] pruned %d stats snapshots older than %s", name, deleted, c.statsRetention)
	}
}

func (s Stats) toSnapshot(cerverName string, end time.Time) *data.StatsSnapshot {
	return &data.StatsSnapshot{
		CerverName:       cerverName,
		PeriodStart:      s.Since,
		PeriodEnd:        end,
		PacketsReceived:  s.PacketsReceived,
		BytesReceived:    s.BytesReceived,
		PacketsSent:      s.PacketsSent,
		BytesSent:        s.BytesSent,
		BadPackets:       s.BadPackets,
		ClientPackets:    s.ReceivedByType[packets.ClientType],
		ErrorPackets:     s.ReceivedByType[packets.ErrorType],
		RequestPackets:   s.ReceivedByType[packets.RequestType],
		AuthPackets:      s.ReceivedByType[packets.AuthType],
		GamePackets:      s.ReceivedByType[packets.GameType],
		AppPackets:       s.ReceivedByType[packets.AppType],
		AppErrorPackets:  s.ReceivedByType[packets.AppErrorType],
		CustomPackets:    s.ReceivedByType[packets.CustomType],
		TestPackets:      s.ReceivedByType[packets.TestType],
		ConnectedClients: s.ConnectedClients,
		TotalConnections: s.TotalConnections,

		OnHoldPacketsReceived: s.OnHoldPacketsReceived,
		OnHoldBytesReceived:   s.OnHoldBytesReceived,
	}
}
