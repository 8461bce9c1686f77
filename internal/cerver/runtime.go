// Package cerver implements the server runtime behind the packet framing contract:
// it accepts TCP connections, reads framed packets, runs the built-in packet
// categories and hands application packets to registered handlers.
//
// The runtime is process-wide state with an explicit lifecycle. Init must be called
// before any Cerver is created and Teardown releases every Cerver that is still alive.
package cerver

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gobwas/pool/pbytes"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/dcrodman/cerver/internal/packets"
)

var (
	ErrNotInitialized     = errors.New("cerver: runtime not initialized")
	ErrAlreadyInitialized = errors.New("cerver: runtime already initialized")
)

// Receive buffers between these sizes are recycled, anything larger is allocated
// for the packet and left to the garbage collector.
const (
	minPooledBuffer = 64
	maxPooledBuffer = 64 * 1024
)

// RuntimeConfig holds the process-wide settings shared by every Cerver.
type RuntimeConfig struct {
	// Logger used by the runtime and every Cerver. Defaults to a discarding logger.
	Logger logrus.FieldLogger
	// ProtocolVersion is compared against the version prefix of every packet
	// received by a Cerver that checks packets.
	ProtocolVersion packets.PacketVersion
	// Limits bounds the size of a single received frame. Zero means DefaultLimits.
	Limits packets.Limits
	// DB is where stats snapshots are stored. Snapshots are skipped when nil.
	DB *gorm.DB
	// PacketLogging dumps every frame sent or received to stdout.
	PacketLogging bool
}

type runtime struct {
	logger        logrus.FieldLogger
	version       packets.PacketVersion
	limits        packets.Limits
	db            *gorm.DB
	packetLogging bool
	pool          *pbytes.Pool

	cervers map[*Cerver]struct{}
}

var (
	rtMu sync.Mutex
	rt   *runtime
)

// Init sets up the process-wide runtime. It must be called exactly once before
// Create, and again only after Teardown.
func Init(cfg RuntimeConfig) error {
	rtMu.Lock()
	defer rtMu.Unlock()

	if rt != nil {
		return ErrAlreadyInitialized
	}

	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	limits := cfg.Limits
	if limits.MaxPacketSize == 0 {
		limits = packets.DefaultLimits()
	}

	rt = &runtime{
		logger:        logger,
		version:       cfg.ProtocolVersion,
		limits:        limits,
		db:            cfg.DB,
		packetLogging: cfg.PacketLogging,
		pool:          pbytes.New(minPooledBuffer, maxPooledBuffer),
		cervers:       make(map[*Cerver]struct{}),
	}
	logger.Debugf("cerver runtime initialized (protocol %s)", cfg.ProtocolVersion)
	return nil
}

// Initialized reports whether Init has been called without a matching Teardown.
func Initialized() bool {
	rtMu.Lock()
	defer rtMu.Unlock()
	return rt != nil
}

// Teardown tears down every Cerver created since Init and releases the runtime.
func Teardown() error {
	rtMu.Lock()
	r := rt
	rtMu.Unlock()

	if r == nil {
		return ErrNotInitialized
	}

	var errs []error
	for _, c := range r.live() {
		if err := c.Teardown(); err != nil {
			errs = append(errs, fmt.Errorf("tearing down %s: %w", c.Name(), err))
		}
	}

	rtMu.Lock()
	rt = nil
	rtMu.Unlock()

	r.logger.Debug("cerver runtime torn down")
	return errors.Join(errs...)
}

func currentRuntime() (*runtime, error) {
	rtMu.Lock()
	defer rtMu.Unlock()

	if rt == nil {
		return nil, ErrNotInitialized
	}
	return rt, nil
}

func (r *runtime) register(c *Cerver) {
	rtMu.Lock()
	defer rtMu.Unlock()
	r.cervers[c] = struct{}{}
}

func (r *runtime) unregister(c *Cerver) {
	rtMu.Lock()
	defer rtMu.Unlock()
	delete(r.cervers, c)
}

func (r *runtime) live() []*Cerver {
	rtMu.Lock()
	defer rtMu.Unlock()

	cervers := make([]*Cerver, 0, len(r.cervers))
	for c := range r.cervers {
		cervers = append(cervers, c)
	}
	return cervers
}
