// Package admin exposes a read only view of a running cerver (its stats, clients and
// lobbies) as Twirp style RPCs over HTTP.
package admin

import (
	"context"
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dcrodman/cerver/internal/cerver"
)

// service implements the RPCs. Every response is a protobuf Struct so that the
// admin API does not need generated message types.
type service struct {
	cerver *cerver.Cerver
}

func (s *service) GetStats(ctx context.Context) (*structpb.Struct, error) {
	stats := s.cerver.Stats()

	byType := make(map[string]interface{}, len(stats.ReceivedByType))
	for t, n := range stats.ReceivedByType {
		byType[t.String()] = float64(n)
	}

	return structpb.NewStruct(map[string]interface{}{
		"cerver":                   s.cerver.Name(),
		"running":                  s.cerver.Running(),
		"since":                    stats.Since.UTC().Format(time.RFC3339Nano),
		"packets_received":         float64(stats.PacketsReceived),
		"bytes_received":           float64(stats.BytesReceived),
		"packets_sent":             float64(stats.PacketsSent),
		"bytes_sent":               float64(stats.BytesSent),
		"bad_packets":              float64(stats.BadPackets),
		"received_by_type":         byType,
		"connected_clients":        float64(stats.ConnectedClients),
		"total_connections":        float64(stats.TotalConnections),
		"on_hold_connections":      float64(stats.OnHoldConnections),
		"on_hold_packets_received": float64(stats.OnHoldPacketsReceived),
	})
}

func (s *service) ListClients(ctx context.Context) (*structpb.Struct, error) {
	connected := s.cerver.Clients()
	sort.Slice(connected, func(i, j int) bool { return connected[i].ID() < connected[j].ID() })

	clients := make([]interface{}, 0, len(connected))
	for _, cl := range connected {
		addrs := make([]interface{}, 0)
		for _, conn := range cl.Connections() {
			addrs = append(addrs, conn.RemoteAddr())
		}
		clients = append(clients, map[string]interface{}{
			"id":               float64(cl.ID()),
			"name":             cl.Name,
			"connections":      addrs,
			"connected_at":     cl.ConnectedAt().UTC().Format(time.RFC3339Nano),
			"last_activity":    cl.LastActivity().UTC().Format(time.RFC3339Nano),
			"packets_received": float64(cl.PacketsReceived()),
			"bytes_received":   float64(cl.BytesReceived()),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"clients": clients})
}

func (s *service) ListLobbies(ctx context.Context) (*structpb.Struct, error) {
	all := s.cerver.Lobbies()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	lobbies := make([]interface{}, 0, len(all))
	for _, l := range all {
		lobbies = append(lobbies, map[string]interface{}{
			"id":               float64(l.ID),
			"name":             l.Name,
			"created_at":       l.CreatedAt.UTC().Format(time.RFC3339Nano),
			"size":             float64(l.Size()),
			"packets_received": float64(l.PacketsReceived()),
		})
	}
	return structpb.NewStruct(map[string]interface{}{"lobbies": lobbies})
}
