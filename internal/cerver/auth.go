package cerver

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/dcrodman/cerver/internal/core/client"
	"github.com/dcrodman/cerver/internal/packets"
)

// DefaultAuthTries is the number of failed attempts after which an unauthenticated
// connection is dropped when SetAuth is given no limit.
const DefaultAuthTries = 3

var errAuthPanic = errors.New("internal cerver error")

// AuthFunc validates the credentials a connection sent in an Auth packet. The
// credentials are the unread payload of p. Returning nil authenticates the client;
// the message of a returned error is sent back to the client.
//
// AuthFunc may be called concurrently for different connections.
type AuthFunc func(p *Packet) error

// ClientFunc is notified about a client, see SetOnClientConnected.
type ClientFunc func(cl *client.Client)

type authConfig struct {
	maxTries     int
	authenticate AuthFunc
}

// onHold is the state of a connection that has not authenticated yet.
type onHold struct {
	triesLeft     int
	authenticated bool
}

// SetAuth makes every new connection authenticate before it becomes a client. Until
// then the connection is on hold: only Auth, Test and Error packets are processed and
// the connection is dropped after maxTries failed attempts (0 means DefaultAuthTries).
// A nil authenticate disables authentication.
func (c *Cerver) SetAuth(maxTries int, authenticate AuthFunc) error {
	if maxTries < 0 {
		return fmt.Errorf("%w: %d auth tries", ErrInvalidLimit, maxTries)
	}
	if maxTries == 0 {
		maxTries = DefaultAuthTries
	}
	return c.configure(func() {
		if authenticate == nil {
			c.auth = nil
			return
		}
		c.auth = &authConfig{maxTries: maxTries, authenticate: authenticate}
	})
}

// SetOnClientConnected registers fn to be called every time a client is registered,
// right after it authenticated when authentication is required.
func (c *Cerver) SetOnClientConnected(fn ClientFunc) error {
	return c.configure(func() { c.onClientConnected = fn })
}

// hold puts a new connection on hold and asks it for credentials.
func (c *Cerver) hold(conn *client.Connection) *onHold {
	c.stats.connectionHeld()
	if err := c.send(conn, packets.AuthType, packets.AuthRequest, 0, nil); err != nil {
		c.logger.Warnf("[%s] failed to request authentication from %s: %s", c.name, conn.RemoteAddr(), err)
	}
	return &onHold{triesLeft: c.auth.maxTries}
}

// dispatchOnHold processes a frame received from a connection waiting to authenticate.
func (c *Cerver) dispatchOnHold(cl *client.Client, conn *client.Connection, held *onHold,
	header packets.PacketHeader, frame []byte) {
	p := newPacket(c, cl, conn, header, frame, c.rt.pool)
	if err := p.CheckFraming(); err != nil {
		c.dropBad(p, err)
		return
	}
	defer p.release()

	switch {
	case header.PacketType == packets.AuthType && header.PacketTypeSecondary == packets.AuthClientData:
		c.authenticate(p, held)
	case header.PacketType == packets.TestType:
		if err := p.Reply(packets.TestType, p.ReqType, nil); err != nil {
			c.logger.Warnf("[%s] failed to answer test packet from %s: %s", c.name, p.clientAddr(), err)
		}
	case header.PacketType == packets.ErrorType:
		c.logger.Debugf("[%s] on hold connection %s reported an error", c.name, p.clientAddr())
	default:
		c.stats.badPacket()
		c.logger.Warnf("[%s] dropped %s packet from unauthenticated connection %s",
			c.name, p.PacketType, p.clientAddr())
	}
}

func (c *Cerver) authenticate(p *Packet, held *onHold) {
	if err := c.callAuthenticate(p); err != nil {
		c.logger.Infof("[%s] %s failed to authenticate: %s", c.name, p.clientAddr(), err)
		if replyErr := p.Reply(packets.ErrorType, packets.ErrorFailedAuth, []byte(err.Error())); replyErr != nil {
			c.logger.Debugf("[%s] failed to send auth error to %s: %s", c.name, p.clientAddr(), replyErr)
		}

		held.triesLeft--
		if held.triesLeft <= 0 {
			c.logger.Infof("[%s] dropping %s after too many failed auth attempts", c.name, p.clientAddr())
			_ = p.Connection.Close()
		}
		return
	}

	held.authenticated = true
	c.stats.connectionReleased()
	c.registerClient(p.Client)

	if err := p.Reply(packets.AuthType, packets.AuthSuccess, nil); err != nil {
		c.logger.Warnf("[%s] failed to send auth success to %s: %s", c.name, p.clientAddr(), err)
	}
	c.logger.Infof("[%s] client %s authenticated", c.name, p.Client.Name)
	c.clientConnected(p.Client)
}

func (c *Cerver) callAuthenticate(p *Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("[%s] authenticate panicked for %s: error=%v, trace: %s",
				c.name, p.clientAddr(), r, debug.Stack())
			err = errAuthPanic
		}
	}()
	return c.auth.authenticate(p)
}

// clientConnected runs the on client connected callback.
func (c *Cerver) clientConnected(cl *client.Client) {
	if c.onClientConnected == nil {
		return
	}
	defer func() {
		if err := recover(); err != nil {
			c.logger.Errorf("[%s] on client connected callback panicked for %s: error=%v, trace: %s",
				c.name, cl.Name, err, debug.Stack())
		}
	}()
	c.onClientConnected(cl)
}
