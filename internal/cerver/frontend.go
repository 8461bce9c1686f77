package cerver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"runtime/debug"
	"time"

	"github.com/dcrodman/cerver/internal/core/bytes"
	"github.com/dcrodman/cerver/internal/core/client"
	cerverdebug "github.com/dcrodman/cerver/internal/core/debug"
	"github.com/dcrodman/cerver/internal/packets"
)

// cerverInfo is the payload of the packet sent to every client right after it connects,
// followed by the welcome message.
type cerverInfo struct {
	Name            [32]byte
	Kind            int32
	Protocol        uint8
	UseIPv6         bool
	Port            uint16
	MaxConnections  uint32
	ProtocolID      uint32
	ProtocolMajor   uint16
	ProtocolMinor   uint16
	AuthRequired    bool
	WelcomeMsgBytes uint32
}

// serve runs the accept loop until ctx is cancelled. Accepted connections are closed
// once connCtx is done. It only returns an error if the listener stops working for a
// reason other than shutdown.
func (c *Cerver) serve(ctx, connCtx context.Context) error {
	connections := make(chan *net.TCPConn)
	acceptErr := make(chan error, 1)
	acceptDone := make(chan struct{})

	// Unblock AcceptTCP and wait for the accept goroutine so that a later Start
	// never shares the listener with it.
	defer func() {
		_ = c.listener.SetDeadline(time.Now())
		<-acceptDone
	}()

	// One slot per client when the number of connections is capped.
	var slots chan struct{}
	if c.maxConnections > 0 {
		slots = make(chan struct{}, c.maxConnections)
	}

	go func() {
		defer close(acceptDone)
		for {
			if slots != nil {
				// Wait until we can accept more clients.
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}

			connection, err := c.listener.AcceptTCP()
			if err != nil {
				if slots != nil {
					<-slots
				}
				if ctx.Err() != nil {
					return
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					acceptErr <- err
					return
				}
				c.logger.Warnf("failed to accept connection: %s", err.Error())
				continue
			}

			select {
			case connections <- connection:
			case <-ctx.Done():
				_ = connection.Close()
				if slots != nil {
					<-slots
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-acceptErr:
			return err
		case connection := <-connections:
			c.connWg.Add(1)
			go func() {
				c.acceptClient(ctx, connCtx, connection)
				if slots != nil {
					<-slots
				}
			}()
		}
	}
}

// acceptClient greets the connection with the cerver info packet, registers a client
// for it (or puts it on hold until it authenticates) and moves into the packet
// processing loop.
func (c *Cerver) acceptClient(ctx, connCtx context.Context, connection *net.TCPConn) {
	defer c.connWg.Done()

	conn := client.NewConnection(connection)
	conn.Debug = c.rt.packetLogging
	conn.Label = c.name

	// Runs right away if the Cerver stopped while the connection was being handed over.
	stopClosing := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	defer stopClosing()

	cl := client.NewClient()
	cl.AddConnection(conn)
	if c.auth == nil {
		c.registerClient(cl)
	}

	c.logger.Infof("[%s] accepted connection from %s", c.name, conn.RemoteAddr())

	if err := c.sendCerverInfo(conn); err != nil {
		c.logger.Warnf("[%s] failed to send cerver info to %s: %s", c.name, conn.RemoteAddr(), err)
	}

	var held *onHold
	if c.auth != nil {
		held = c.hold(conn)
	} else {
		c.clientConnected(cl)
	}

	c.processPackets(ctx, cl, conn, held)
}

// processPackets is a blocking loop reading frames sent by a client. It only returns
// once the connection has closed. Frames of a connection that is on hold go through
// dispatchOnHold until it authenticates.
func (c *Cerver) processPackets(ctx context.Context, cl *client.Client, conn *client.Connection, held *onHold) {
	defer c.closeConnectionAndRecover(cl, conn, held)

	for {
		header, frame, err := packets.ReadFrame(conn.Reader(), c.rt.limits, c.rt.pool.GetLen)
		if err != nil {
			if frame != nil {
				c.rt.pool.Put(frame)
			}
			switch {
			case errors.Is(err, io.EOF), ctx.Err() != nil, conn.Closed():
			case errors.Is(err, packets.ErrPacketTooLarge):
				c.stats.badPacket()
				c.logger.Warnf("[%s] dropping %s: %s", c.name, conn.RemoteAddr(), err)
			default:
				c.logger.Warnf("[%s] error reading from %s: %s", c.name, conn.RemoteAddr(), err)
			}
			return
		}

		if held != nil && !held.authenticated {
			c.stats.receivedOnHold(len(frame))
			c.dispatchOnHold(cl, conn, held, header, frame)
			continue
		}

		cl.Touch(len(frame))
		c.stats.received(header.PacketType, len(frame))
		c.touchInactive(cl)

		if c.rt.packetLogging {
			cerverdebug.PrintPacket(cerverdebug.PrintPacketParams{
				Writer:       bufio.NewWriter(os.Stdout),
				CerverName:   c.name,
				ClientAddr:   conn.RemoteAddr(),
				ClientPacket: true,
				Data:         frame,
			})
		}

		c.dispatch(cl, conn, header, frame)
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics, disconnects the
// client, and removes them from the list regardless of the state of the connection.
func (c *Cerver) closeConnectionAndRecover(cl *client.Client, conn *client.Connection, held *onHold) {
	if err := recover(); err != nil {
		c.logger.Errorf("error in client communication with %s: error=%s, trace: %s",
			conn.RemoteAddr(), err, debug.Stack())
	}

	if held != nil && !held.authenticated {
		c.stats.connectionReleased()
	}

	if err := conn.Close(); err != nil {
		c.logger.Warnf("failed to close client connection: %s", err)
	}

	if cl.RemoveConnection(conn) == 0 {
		c.removeClient(cl)
	}

	c.logger.Infof("[%s] disconnected client %s", c.name, conn.RemoteAddr())
}

func (c *Cerver) registerClient(cl *client.Client) {
	c.clientsMu.Lock()
	c.clients[cl.ID()] = cl
	c.clientsMu.Unlock()

	c.stats.clientConnected()
	c.touchInactive(cl)
}

func (c *Cerver) removeClient(cl *client.Client) {
	c.clientsMu.Lock()
	_, ok := c.clients[cl.ID()]
	delete(c.clients, cl.ID())
	c.clientsMu.Unlock()

	if !ok {
		return
	}
	c.lobbies.leave(cl)
	c.stats.clientDisconnected()
	c.forgetInactive(cl)
}

func (c *Cerver) hasClient(cl *client.Client) bool {
	c.clientsMu.RLock()
	defer c.clientsMu.RUnlock()
	_, ok := c.clients[cl.ID()]
	return ok
}

func (c *Cerver) sendCerverInfo(conn *client.Connection) error {
	info := cerverInfo{
		Kind:            int32(c.kind),
		Protocol:        uint8(c.protocol),
		UseIPv6:         c.useIPv6,
		Port:            uint16(c.Port()),
		MaxConnections:  uint32(c.maxConnections),
		ProtocolID:      c.rt.version.ProtocolID,
		ProtocolMajor:   c.rt.version.Major,
		ProtocolMinor:   c.rt.version.Minor,
		AuthRequired:    c.auth != nil,
		WelcomeMsgBytes: uint32(len(c.welcomeMessage)),
	}
	copy(info.Name[:], c.name)

	payload, _ := bytes.BytesFromStruct(&info)
	payload = append(payload, c.welcomeMessage...)
	return c.send(conn, packets.CerverType, packets.CerverInfo, 0, payload)
}

// send frames payload and writes it to conn, recording it in the Cerver's stats.
func (c *Cerver) send(conn *client.Connection, t packets.PacketType, reqType uint32, handlerID uint8, payload []byte) error {
	frame := packets.NewFrame(t, reqType, handlerID, payload)
	if err := conn.SendRaw(frame); err != nil {
		return err
	}
	c.stats.sent(len(frame))
	return nil
}
