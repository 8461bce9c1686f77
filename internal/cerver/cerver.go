package cerver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/cerver/internal/core/client"
	"github.com/dcrodman/cerver/internal/packets"
)

var (
	ErrAlreadyRunning      = errors.New("cerver: already running")
	ErrUnusable            = errors.New("cerver: handle is unusable")
	ErrUnsupportedProtocol = errors.New("cerver: unsupported protocol")
	ErrInvalidPort         = errors.New("cerver: invalid port")
	ErrInvalidLimit        = errors.New("cerver: invalid connection limit")
	ErrInvalidHandlerID    = errors.New("cerver: invalid handler id")
)

// Kind selects what sort of server a Cerver is. It is reported to clients in the
// cerver info packet.
type Kind int32

const (
	KindCustom Kind = iota
	KindFile
	KindGame
	KindWeb
)

var kindNames = []string{"custom", "file", "game", "web"}

func (k Kind) String() string {
	if int(k) >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return KindCustom, fmt.Errorf("cerver: unknown kind %q", s)
}

// Protocol is the transport of a Cerver, expressed as an IP protocol number.
type Protocol int

const (
	TCP Protocol = 6
	UDP Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	}
	return "protocol(" + strconv.Itoa(int(p)) + ")"
}

func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, s)
}

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
	stateUnusable
	stateTornDown
)

// Cerver is an opaque handle to a single server instance. It must not be copied.
// The lifecycle is Create, any number of setters, Start, Shutdown and finally Teardown.
type Cerver struct {
	rt     *runtime
	logger logrus.FieldLogger

	kind           Kind
	protocol       Protocol
	useIPv6        bool
	maxConnections int
	maxConcurrent  int
	listener       *net.TCPListener

	// mu guards the configuration and lifecycle fields below.
	mu             sync.Mutex
	state          state
	name           string
	welcomeMessage string
	appHandler     *registration
	appErrHandler  *registration
	customHandler  *registration
	handlers       []*registration

	onClientConnected ClientFunc
	deletePackets  map[packets.PacketType]bool
	checkPackets   bool
	maxInactive    time.Duration
	inactiveCheck  time.Duration
	statsThreshold time.Duration
	statsRetention time.Duration
	auth           *authConfig
	update         *updateLoop
	updateInterval *updateLoop
	cancel         context.CancelFunc
	done           chan struct{}

	// directMu serializes handlers that do not run on a dedicated thread.
	directMu sync.Mutex

	clientsMu sync.RWMutex
	clients   map[uint64]*client.Client
	inactive  *gocache.Cache

	lobbies *lobbyRegistry
	stats   *counters

	connWg sync.WaitGroup
}

// Create binds a new Cerver to bindAddress:port. A port of 0 lets the operating system
// choose one, see Addr. maxConnections caps the number of clients connected at once
// (0 means unlimited) and maxConcurrent is the number of workers serving handlers
// registered to run on a dedicated thread (0 means 1).
//
// Create returns a nil handle and an error if any argument is invalid or the address
// cannot be bound. Only TCP is supported.
func Create(kind Kind, bindAddress string, port int, protocol Protocol, useIPv6 bool,
	maxConnections, maxConcurrent int) (*Cerver, error) {
	r, err := currentRuntime()
	if err != nil {
		return nil, err
	}

	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if protocol != TCP {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocol)
	}
	if maxConnections < 0 || maxConcurrent < 0 {
		return nil, fmt.Errorf("%w: max connections %d, max concurrent %d",
			ErrInvalidLimit, maxConnections, maxConcurrent)
	}
	if maxConcurrent == 0 {
		maxConcurrent = 1
	}

	network := "tcp4"
	if useIPv6 {
		network = "tcp6"
	}
	address := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	hostAddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %s: %w", address, err)
	}
	listener, err := net.ListenTCP(network, hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %w", err)
	}

	c := &Cerver{
		rt:             r,
		logger:         r.logger,
		kind:           kind,
		protocol:       protocol,
		useIPv6:        useIPv6,
		maxConnections: maxConnections,
		maxConcurrent:  maxConcurrent,
		listener:       listener,
		name:           kind.String() + "-cerver",
		deletePackets:  make(map[packets.PacketType]bool),
		clients:        make(map[uint64]*client.Client),
		lobbies:        newLobbyRegistry(),
		stats:          newCounters(),
	}
	r.register(c)

	c.logger.Infof("[%s] created %s cerver on %s", c.name, kind, listener.Addr())
	return c, nil
}

// Addr returns the address the Cerver is bound to.
func (c *Cerver) Addr() net.Addr { return c.listener.Addr() }

// Port returns the port the Cerver is bound to.
func (c *Cerver) Port() int { return c.listener.Addr().(*net.TCPAddr).Port }

func (c *Cerver) Kind() Kind { return c.kind }

func (c *Cerver) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Running reports whether Start is currently serving connections.
func (c *Cerver) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRunning
}

// configure applies fn while the Cerver is not running.
func (c *Cerver) configure(fn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateRunning:
		return ErrAlreadyRunning
	case stateUnusable, stateTornDown:
		return ErrUnusable
	}
	fn()
	return nil
}

func (c *Cerver) SetName(name string) error {
	return c.configure(func() { c.name = name })
}

// SetWelcomeMessage sets the message sent to clients in the cerver info packet.
func (c *Cerver) SetWelcomeMessage(msg string) error {
	return c.configure(func() { c.welcomeMessage = msg })
}

// SetAppPacketHandler registers the handler for App packets. When dedicatedThread is
// set, packets are handed to a pool of workers and h may run concurrently with itself;
// otherwise it runs on the goroutine of the connection that received the packet,
// serialized with every other such handler of this Cerver.
//
// Registering twice before Start replaces the previous handler.
func (c *Cerver) SetAppPacketHandler(h Handler, dedicatedThread bool) error {
	return c.configure(func() { c.appHandler = newRegistration(h, dedicatedThread) })
}

// SetAppErrorPacketHandler registers the handler for AppError packets.
func (c *Cerver) SetAppErrorPacketHandler(h Handler, dedicatedThread bool) error {
	return c.configure(func() { c.appErrHandler = newRegistration(h, dedicatedThread) })
}

// SetCustomPacketHandler registers the handler for Custom packets.
func (c *Cerver) SetCustomPacketHandler(h Handler, dedicatedThread bool) error {
	return c.configure(func() { c.customHandler = newRegistration(h, dedicatedThread) })
}

// SetMultipleHandlers switches App packet dispatch to n handlers selected by the
// handler id of the packet header. Handlers are added with AddHandler. Passing 0
// switches back to the single app handler.
func (c *Cerver) SetMultipleHandlers(n int) error {
	if n < 0 || n > 256 {
		return fmt.Errorf("%w: %d handlers", ErrInvalidHandlerID, n)
	}
	return c.configure(func() {
		handlers := make([]*registration, n)
		copy(handlers, c.handlers)
		c.handlers = handlers
	})
}

// AddHandler registers h for App packets whose header carries handler id id.
func (c *Cerver) AddHandler(id uint8, h Handler, dedicatedThread bool) error {
	var err error
	cfgErr := c.configure(func() {
		if int(id) >= len(c.handlers) {
			err = fmt.Errorf("%w: %d (cerver has %d handlers)", ErrInvalidHandlerID, id, len(c.handlers))
			return
		}
		c.handlers[id] = newRegistration(h, dedicatedThread)
	})
	if cfgErr != nil {
		return cfgErr
	}
	return err
}

// SetDeletePackets controls who owns the buffers of packets of type t. When del is
// true (the default) buffers are recycled once the handler returns; when false every
// packet is copied and the handler may keep it.
func (c *Cerver) SetDeletePackets(t packets.PacketType, del bool) error {
	return c.configure(func() { c.deletePackets[t] = del })
}

// SetCheckPackets makes the Cerver expect a PacketVersion at the start of every
// payload. Packets whose version is not compatible with the runtime's are dropped.
func (c *Cerver) SetCheckPackets(check bool) error {
	return c.configure(func() { c.checkPackets = check })
}

// SetInactiveClients drops clients that have not sent anything for maxInactive,
// checking every checkInterval. A maxInactive of 0 disables the check.
func (c *Cerver) SetInactiveClients(maxInactive, checkInterval time.Duration) error {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	return c.configure(func() {
		c.maxInactive = maxInactive
		c.inactiveCheck = checkInterval
	})
}

// SetStatsThreshold sets how often stats are snapshotted and reset. 0 disables it.
func (c *Cerver) SetStatsThreshold(d time.Duration) error {
	return c.configure(func() { c.statsThreshold = d })
}

// SetStatsRetention deletes the Cerver's stored stats snapshots older than d every
// time a new one is saved. 0 keeps every snapshot.
func (c *Cerver) SetStatsRetention(d time.Duration) error {
	return c.configure(func() { c.statsRetention = d })
}

// Stats returns a copy of the Cerver's counters.
func (c *Cerver) Stats() Stats {
	return c.stats.snapshot()
}

// Clients returns the clients currently connected.
func (c *Cerver) Clients() []*client.Client {
	c.clientsMu.RLock()
	defer c.clientsMu.RUnlock()

	clients := make([]*client.Client, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	return clients
}

// Start begins accepting connections and dispatching packets. It blocks until ctx is
// cancelled or Shutdown is called and then returns nil. Calling Start on a Cerver that
// is already running returns ErrAlreadyRunning without starting a second accept loop.
// If Start fails the handle is unusable afterwards.
func (c *Cerver) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateRunning:
		c.mu.Unlock()
		return ErrAlreadyRunning
	case stateUnusable, stateTornDown:
		c.mu.Unlock()
		return ErrUnusable
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = stateRunning
	name := c.name
	registrations := c.registrations()
	maxInactive, inactiveCheck := c.maxInactive, c.inactiveCheck
	statsThreshold := c.statsThreshold
	updates := []*updateLoop{c.update, c.updateInterval}
	c.mu.Unlock()

	if err := c.listener.SetDeadline(time.Time{}); err != nil {
		cancel()
		c.fail()
		return fmt.Errorf("%w: resetting listener: %v", ErrUnusable, err)
	}

	for _, r := range registrations {
		if r.dedicated {
			r.startWorkers(c, c.maxConcurrent)
		}
	}
	c.startInactiveCheck(maxInactive, inactiveCheck)

	var bgWg sync.WaitGroup
	if statsThreshold > 0 {
		bgWg.Add(1)
		go c.runStatsTicker(runCtx, statsThreshold, &bgWg)
	}
	for _, u := range updates {
		if u != nil {
			bgWg.Add(1)
			go c.runUpdates(runCtx, u, &bgWg)
		}
	}

	// Connections outlive runCtx so that clients can be told about the shutdown
	// before they are dropped.
	connCtx, closeConns := context.WithCancel(context.Background())
	defer closeConns()

	c.logger.Infof("[%s] waiting for connections on %v", name, c.listener.Addr())
	acceptErr := c.serve(runCtx, connCtx)

	// Stop everything spun off by this run before reporting back.
	cancel()
	c.stop(registrations, closeConns)
	bgWg.Wait()
	c.saveStats()

	c.mu.Lock()
	if acceptErr != nil {
		c.state = stateUnusable
	} else {
		c.state = stateStopped
	}
	close(c.done)
	c.mu.Unlock()

	if acceptErr != nil {
		c.logger.Errorf("[%s] accept loop failed: %v", name, acceptErr)
		return fmt.Errorf("%w: %v", ErrUnusable, acceptErr)
	}
	c.logger.Infof("[%v] exited", name)
	return nil
}

// Shutdown stops a running Cerver: no new connections are accepted, connected clients
// are dropped and dedicated handler workers are drained. It returns once Start has
// returned. Shutting down a Cerver that is not running does nothing.
func (c *Cerver) Shutdown() error {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Teardown shuts the Cerver down and releases its listener and lobbies. The handle
// cannot be used afterwards. Tearing down twice does nothing.
func (c *Cerver) Teardown() error {
	if err := c.Shutdown(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == stateTornDown {
		c.mu.Unlock()
		return nil
	}
	c.state = stateTornDown
	name := c.name
	c.mu.Unlock()

	c.lobbies.clear()
	c.rt.unregister(c)

	if err := c.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing listener: %w", err)
	}
	c.logger.Infof("[%s] torn down", name)
	return nil
}

func (c *Cerver) fail() {
	c.mu.Lock()
	c.state = stateUnusable
	c.mu.Unlock()
}

// registrations returns every handler registration. Callers must hold c.mu.
func (c *Cerver) registrations() []*registration {
	var regs []*registration
	for _, r := range []*registration{c.appHandler, c.appErrHandler, c.customHandler} {
		if r != nil {
			regs = append(regs, r)
		}
	}
	for _, r := range c.handlers {
		if r != nil {
			regs = append(regs, r)
		}
	}
	return regs
}

// stop tells every client the Cerver is going away, closes every connection and
// drains the handler workers.
func (c *Cerver) stop(registrations []*registration, closeConns context.CancelFunc) {
	name := c.Name()

	c.logger.Infof("[%s] shutting down (waiting for connections to close)", name)
	for _, cl := range c.Clients() {
		for _, conn := range cl.Connections() {
			if err := c.send(conn, packets.CerverType, packets.CerverTeardown, 0, nil); err != nil {
				c.logger.Debugf("[%s] failed to send teardown to %s: %v", name, conn.RemoteAddr(), err)
			}
		}
	}
	closeConns()
	c.connWg.Wait()

	for _, r := range registrations {
		r.stopWorkers()
	}
	c.stopInactiveCheck()
}
