package cerver

import (
	"encoding/binary"
	"fmt"

	"github.com/dcrodman/cerver/internal/core/bytes"
	"github.com/dcrodman/cerver/internal/core/client"
	"github.com/dcrodman/cerver/internal/packets"
)

// dispatch routes a received frame to the built-in processing of its category or to
// the application handler registered for it.
func (c *Cerver) dispatch(cl *client.Client, conn *client.Connection, header packets.PacketHeader, frame []byte) {
	p := newPacket(c, cl, conn, header, frame, c.rt.pool)
	p.Lobby = c.lobbies.of(cl)
	if p.Lobby != nil {
		p.Lobby.countPacket()
	}

	if err := p.CheckFraming(); err != nil {
		c.dropBad(p, err)
		return
	}
	if c.checkPackets {
		if err := c.checkVersion(p); err != nil {
			c.dropBad(p, err)
			return
		}
	}

	switch header.PacketType {
	case packets.ClientType:
		c.handleClientPacket(p)
	case packets.CerverType, packets.AuthType, packets.RequestType:
		c.logger.Debugf("[%s] received %s packet (request %d) from %s",
			c.name, p.PacketType, p.ReqType, p.clientAddr())
	case packets.ErrorType:
		c.logger.Warnf("[%s] client %s reported an error: %s",
			c.name, p.clientAddr(), bytes.StripPadding(p.Unread()))
	case packets.GameType:
		c.handleGamePacket(p)
	case packets.TestType:
		if err := p.Reply(packets.TestType, p.ReqType, nil); err != nil {
			c.logger.Warnf("[%s] failed to answer test packet from %s: %s", c.name, p.clientAddr(), err)
		}
	case packets.AppType:
		c.handleAppPacket(p)
	case packets.AppErrorType:
		c.handleWith(c.appErrHandler, p)
		return
	case packets.CustomType:
		c.handleWith(c.customHandler, p)
		return
	default:
		c.dropBad(p, fmt.Errorf("unknown packet type %d", int32(header.PacketType)))
		return
	}
	p.release()
}

func (c *Cerver) dropBad(p *Packet, err error) {
	c.stats.badPacket()
	c.logger.Warnf("[%s] dropped bad packet from %s: %s", c.name, p.clientAddr(), err)
	p.release()
}

// checkVersion consumes the version prefix of the payload and rejects packets built
// for another protocol.
func (c *Cerver) checkVersion(p *Packet) error {
	b, err := p.Read(packets.VersionSize)
	if err != nil {
		return fmt.Errorf("missing packet version: %w", err)
	}
	v, err := packets.DecodeVersion(b)
	if err != nil {
		return err
	}
	if !v.Compatible(c.rt.version) {
		return fmt.Errorf("packet version %s is not compatible with %s", v, c.rt.version)
	}
	p.Version = &v
	return nil
}

func (c *Cerver) handleAppPacket(p *Packet) {
	if len(c.handlers) == 0 {
		c.handleWith(c.appHandler, p)
		return
	}

	id := int(p.Header.HandlerID)
	if id >= len(c.handlers) || c.handlers[id] == nil {
		c.dropBad(p, fmt.Errorf("no app handler with id %d", id))
		return
	}
	c.handleWith(c.handlers[id], p)
}

// handleWith delivers p to r, taking ownership of p's buffers.
func (c *Cerver) handleWith(r *registration, p *Packet) {
	if r == nil {
		c.logger.Debugf("[%s] no handler registered for %s packets", c.name, p.PacketType)
		p.release()
		return
	}
	if del, ok := c.deletePackets[p.PacketType]; ok && !del {
		p.own()
	}
	c.deliver(r, p)
}

func (c *Cerver) handleClientPacket(p *Packet) {
	switch p.ReqType {
	case packets.ClientCloseConnection:
		c.logger.Infof("[%s] client %s closed its connection", c.name, p.clientAddr())
		if p.Client.RemoveConnection(p.Connection) == 0 {
			c.removeClient(p.Client)
		}
		_ = p.Connection.Close()
	case packets.ClientDisconnect:
		c.logger.Infof("[%s] client %s disconnected", c.name, p.Client.Name)
		c.disconnect(p.Client)
	default:
		c.stats.badPacket()
		c.logger.Warnf("[%s] dropped client packet with unknown request %d from %s", c.name, p.ReqType, p.clientAddr())
	}
}

// disconnect drops cl and closes every one of its connections.
func (c *Cerver) disconnect(cl *client.Client) {
	c.removeClient(cl)
	if err := cl.Close(); err != nil {
		c.logger.Debugf("[%s] error closing client %s: %s", c.name, cl.Name, err)
	}
}

func (c *Cerver) handleGamePacket(p *Packet) {
	var err error
	switch p.ReqType {
	case packets.GameLobbyCreate:
		name := string(bytes.StripPadding(p.Unread()))
		lobby := c.CreateLobby(name)
		if err = c.JoinLobby(lobby.ID, p.Client); err == nil {
			err = p.Reply(packets.GameType, packets.GameLobbyCreate, lobbyIDPayload(lobby.ID))
		}
	case packets.GameLobbyJoin:
		b, readErr := p.Read(4)
		if readErr != nil {
			err = readErr
			break
		}
		id := binary.LittleEndian.Uint32(b)
		if err = c.JoinLobby(id, p.Client); err == nil {
			err = p.Reply(packets.GameType, packets.GameLobbyJoin, lobbyIDPayload(id))
		}
	case packets.GameLobbyLeave:
		var id uint32
		if lobby := c.LeaveLobby(p.Client); lobby != nil {
			id = lobby.ID
		}
		err = p.Reply(packets.GameType, packets.GameLobbyLeave, lobbyIDPayload(id))
	default:
		err = fmt.Errorf("unknown game request %d", p.ReqType)
	}

	if err != nil {
		c.logger.Infof("[%s] game request %d from %s failed: %s", c.name, p.ReqType, p.clientAddr(), err)
		if replyErr := p.Reply(packets.ErrorType, p.ReqType, []byte(err.Error())); replyErr != nil {
			c.logger.Debugf("[%s] failed to send error to %s: %s", c.name, p.clientAddr(), replyErr)
		}
	}
}

func lobbyIDPayload(id uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, id)
	return b
}
