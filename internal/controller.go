package internal

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/dcrodman/cerver/internal/admin"
	"github.com/dcrodman/cerver/internal/cerver"
	"github.com/dcrodman/cerver/internal/core"
	"github.com/dcrodman/cerver/internal/core/data"
	"github.com/dcrodman/cerver/internal/core/debug"
	"github.com/dcrodman/cerver/internal/packets"
)

// Controller is the main entrypoint for a cerver process. It's responsible for
// initializing any shared resources (such as database and logging), creating the
// cerver from the configuration and running it until the context is cancelled.
type Controller struct {
	Config *core.Config
	// Handler processes App packets. Defaults to a handler that logs every packet.
	Handler cerver.Handler
	// Authenticate, when set, makes every connection authenticate before it can
	// send anything other than Auth and Test packets.
	Authenticate cerver.AuthFunc

	logger    *logrus.Logger
	db        *gorm.DB
	cerver    *cerver.Cerver
	adminAddr net.Addr

	// ready is closed once the cerver is bound, mostly for tests.
	ready chan struct{}
}

// Start blocks until ctx is cancelled or the cerver fails.
func (c *Controller) Start(ctx context.Context) error {
	defer c.Shutdown()

	var err error
	// Set up the logger, which will be used by the runtime and the handlers.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.Enabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	if c.Config.Database.Engine != "" {
		c.db, err = data.Initialize(
			c.Config.Database.Engine,
			c.Config.DataSource(),
			c.Config.Debugging.DatabaseLoggingEnabled,
		)
		if err != nil {
			return err
		}
		c.logger.Infof("storing stats snapshots in %s database", c.Config.Database.Engine)
	}

	err = cerver.Init(cerver.RuntimeConfig{
		Logger: c.logger,
		ProtocolVersion: packets.PacketVersion{
			ProtocolID: c.Config.Server.ProtocolID,
			Major:      c.Config.Server.ProtocolVersion.Major,
			Minor:      c.Config.Server.ProtocolVersion.Minor,
		},
		DB:            c.db,
		PacketLogging: c.Config.Debugging.Enabled && c.Config.Debugging.PacketLoggingEnabled,
	})
	if err != nil {
		return fmt.Errorf("error initializing cerver runtime: %w", err)
	}

	if err := c.declareCerver(); err != nil {
		return err
	}
	c.logger.Infof("starting %s on %s", c.Config.Server.Name, c.Config.ListenAddress())

	adminCtx, stopAdmin := context.WithCancel(ctx)
	defer stopAdmin()
	adminErrs := make(chan error, 1)
	if c.Config.Admin.Enabled {
		listener, err := net.Listen("tcp", c.Config.AdminAddress())
		if err != nil {
			return fmt.Errorf("error starting admin API on %s: %w", c.Config.AdminAddress(), err)
		}
		c.adminAddr = listener.Addr()
		go func() { adminErrs <- admin.Serve(adminCtx, c.logger, listener, c.cerver) }()
	} else {
		close(adminErrs)
	}

	if c.ready != nil {
		close(c.ready)
	}

	err = c.cerver.Start(ctx)
	stopAdmin()
	if adminErr := <-adminErrs; adminErr != nil {
		c.logger.Warnf("admin API: %v", adminErr)
	}
	if err != nil {
		return fmt.Errorf("error running %s: %w", c.Config.Server.Name, err)
	}
	return nil
}

// declareCerver creates the cerver and applies the configuration to it.
func (c *Controller) declareCerver() error {
	cfg := c.Config
	kind, err := cerver.ParseKind(cfg.Server.Kind)
	if err != nil {
		return err
	}
	protocol, err := cerver.ParseProtocol(cfg.Server.Protocol)
	if err != nil {
		return err
	}

	c.cerver, err = cerver.Create(kind, cfg.Server.Hostname, cfg.Server.Port, protocol,
		cfg.Server.UseIPv6, cfg.Server.MaxConnections, cfg.Server.MaxConcurrent)
	if err != nil {
		return fmt.Errorf("error creating cerver: %w", err)
	}

	handler := c.Handler
	if handler == nil {
		handler = logPackets(c.logger)
	}

	setters := []error{
		c.cerver.SetName(cfg.Server.Name),
		c.cerver.SetWelcomeMessage(cfg.Server.WelcomeMessage),
		c.cerver.SetCheckPackets(cfg.Server.CheckPackets),
		c.cerver.SetAppPacketHandler(handler, cfg.Handler.DedicatedThread),
		c.cerver.SetDeletePackets(packets.AppType, cfg.Handler.DeletePackets),
		c.cerver.SetInactiveClients(cfg.Inactive.MaxInactiveTime, cfg.Inactive.CheckInterval),
		c.cerver.SetStatsThreshold(cfg.Stats.ThresholdTime),
		c.cerver.SetStatsRetention(cfg.Stats.Retention),
	}
	if c.Authenticate != nil {
		setters = append(setters, c.cerver.SetAuth(cfg.Auth.MaxTries, c.Authenticate))
	}
	for _, err := range setters {
		if err != nil {
			return fmt.Errorf("error configuring cerver: %w", err)
		}
	}
	return nil
}

// logPackets returns the default App packet handler.
func logPackets(logger logrus.FieldLogger) cerver.Handler {
	return cerver.HandlerFunc(func(p *cerver.Packet) error {
		logger.WithFields(logrus.Fields{
			"type":     p.PacketType,
			"size":     p.PacketSize,
			"data_ref": p.DataRef(),
			"client":   p.Connection.RemoteAddr(),
		}).Info("received app packet")
		return nil
	})
}

// Shutdown releases the runtime and the database. It is safe to call more than once.
func (c *Controller) Shutdown() {
	if cerver.Initialized() {
		if err := cerver.Teardown(); err != nil && c.logger != nil {
			c.logger.Warnf("error tearing down cerver runtime: %v", err)
		}
	}
	c.cerver = nil

	if c.db != nil {
		if err := data.Shutdown(c.db); err != nil && c.logger != nil {
			c.logger.Warnf("error closing database: %v", err)
		}
		c.db = nil
	}
}
