package cerver

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dcrodman/cerver/internal/core/client"
)

var ErrLobbyNotFound = errors.New("cerver: lobby not found")

// Lobby groups clients of a Cerver. Packets sent by a member carry the lobby.
type Lobby struct {
	ID        uint32
	Name      string
	CreatedAt time.Time

	mu      sync.RWMutex
	members map[uint64]*client.Client

	packets uint64
}

// Members returns the clients currently in the lobby.
func (l *Lobby) Members() []*client.Client {
	l.mu.RLock()
	defer l.mu.RUnlock()

	members := make([]*client.Client, 0, len(l.members))
	for _, m := range l.members {
		members = append(members, m)
	}
	return members
}

func (l *Lobby) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.members)
}

// PacketsReceived is the number of packets sent by members while in the lobby.
func (l *Lobby) PacketsReceived() uint64 { return atomic.LoadUint64(&l.packets) }

func (l *Lobby) countPacket() { atomic.AddUint64(&l.packets, 1) }

type lobbyRegistry struct {
	mu       sync.Mutex
	nextID   uint32
	lobbies  map[uint32]*Lobby
	byClient map[uint64]*Lobby
}

func newLobbyRegistry() *lobbyRegistry {
	return &lobbyRegistry{
		lobbies:  make(map[uint32]*Lobby),
		byClient: make(map[uint64]*Lobby),
	}
}

func (r *lobbyRegistry) create(name string) *Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	l := &Lobby{
		ID:        r.nextID,
		Name:      name,
		CreatedAt: time.Now(),
		members:   make(map[uint64]*client.Client),
	}
	r.lobbies[l.ID] = l
	return l
}

func (r *lobbyRegistry) get(id uint32) (*Lobby, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lobbies[id]
	return l, ok
}

func (r *lobbyRegistry) of(cl *client.Client) *Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byClient[cl.ID()]
}

func (r *lobbyRegistry) join(id uint32, cl *client.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lobbies[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrLobbyNotFound, id)
	}
	if current := r.byClient[cl.ID()]; current != nil {
		if current == l {
			return nil
		}
		r.removeMemberLocked(current, cl)
	}

	l.mu.Lock()
	l.members[cl.ID()] = cl
	l.mu.Unlock()
	r.byClient[cl.ID()] = l
	return nil
}

// leave removes cl from its lobby and returns that lobby, or nil if it was in none.
func (r *lobbyRegistry) leave(cl *client.Client) *Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.byClient[cl.ID()]
	if l != nil {
		r.removeMemberLocked(l, cl)
	}
	return l
}

// removeMemberLocked removes cl from l, discarding l once it is empty.
func (r *lobbyRegistry) removeMemberLocked(l *Lobby, cl *client.Client) {
	l.mu.Lock()
	delete(l.members, cl.ID())
	empty := len(l.members) == 0
	l.mu.Unlock()

	delete(r.byClient, cl.ID())
	if empty {
		delete(r.lobbies, l.ID)
	}
}

func (r *lobbyRegistry) all() []*Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()

	lobbies := make([]*Lobby, 0, len(r.lobbies))
	for _, l := range r.lobbies {
		lobbies = append(lobbies, l)
	}
	return lobbies
}

func (r *lobbyRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lobbies = make(map[uint32]*Lobby)
	r.byClient = make(map[uint64]*Lobby)
}

// CreateLobby creates an empty lobby. Lobbies are discarded when their last member leaves.
func (c *Cerver) CreateLobby(name string) *Lobby {
	l := c.lobbies.create(name)
	c.logger.Debugf("[%s] created lobby %d (%s)", c.name, l.ID, name)
	return l
}

// Lobby looks up a lobby by id.
func (c *Cerver) Lobby(id uint32) (*Lobby, bool) { return c.lobbies.get(id) }

// Lobbies returns every lobby of the Cerver.
func (c *Cerver) Lobbies() []*Lobby { return c.lobbies.all() }

// JoinLobby moves cl into the lobby with the given id, leaving its current lobby.
func (c *Cerver) JoinLobby(id uint32, cl *client.Client) error {
	return c.lobbies.join(id, cl)
}

// LeaveLobby removes cl from its lobby and returns it, or nil if cl was in none.
func (c *Cerver) LeaveLobby(cl *client.Client) *Lobby {
	return c.lobbies.leave(cl)
}
