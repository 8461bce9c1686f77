package core

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the cerver
// runtime and the commands that drive it.
type Config struct {
	Server struct {
		// Hostname or IP address on which the cerver will listen for connections.
		Hostname string `mapstructure:"hostname"`
		// Port to bind. 0 lets the OS choose.
		Port int `mapstructure:"port"`
		// Name reported to clients in the cerver info packet.
		Name string `mapstructure:"name"`
		// Server type selector. Options: custom, file, game, web
		Kind string `mapstructure:"kind"`
		// Transport. Only tcp is supported.
		Protocol string `mapstructure:"protocol"`
		UseIPv6  bool   `mapstructure:"use_ipv6"`
		// Maximum number of clients connected at once. 0 means unlimited.
		MaxConnections int `mapstructure:"max_connections"`
		// Number of workers serving handlers that run on a dedicated thread.
		MaxConcurrent int `mapstructure:"max_concurrent"`
		// Message sent to every client as part of the cerver info packet.
		WelcomeMessage string `mapstructure:"welcome_message"`
		// Expect a protocol version at the start of every packet payload.
		CheckPackets    bool   `mapstructure:"check_packets"`
		ProtocolID      uint32 `mapstructure:"protocol_id"`
		ProtocolVersion struct {
			Major uint16 `mapstructure:"major"`
			Minor uint16 `mapstructure:"minor"`
		} `mapstructure:"protocol_version"`
	} `mapstructure:"server"`

	Handler struct {
		// Run the app packet handler on its own workers instead of the connection goroutine.
		DedicatedThread bool `mapstructure:"dedicated_thread"`
		// Release packet buffers once the handler returns. When false the handler owns them.
		DeletePackets bool `mapstructure:"delete_packets"`
	} `mapstructure:"handler"`

	Inactive struct {
		// Clients that have not sent anything for this long are dropped. 0 disables the check.
		MaxInactiveTime time.Duration `mapstructure:"max_inactive_time"`
		CheckInterval   time.Duration `mapstructure:"check_interval"`
	} `mapstructure:"inactive"`

	Stats struct {
		// How often stats are snapshotted and reset. 0 disables snapshots.
		ThresholdTime time.Duration `mapstructure:"threshold_time"`
		// Stored snapshots older than this are deleted. 0 keeps every snapshot.
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"stats"`

	Auth struct {
		// Failed attempts before an unauthenticated connection is dropped. Only used
		// when the process installs an authenticate function.
		MaxTries int `mapstructure:"max_tries"`
	} `mapstructure:"auth"`

	Admin struct {
		// Serve the admin API (stats, clients and lobbies) over HTTP.
		Enabled bool `mapstructure:"enabled"`
		// Port on server.hostname on which the admin API listens.
		Port int `mapstructure:"port"`
	} `mapstructure:"admin"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
		// Include the file and line number of the log statement.
		IncludeCaller bool `mapstructure:"include_caller"`
	} `mapstructure:"logging"`

	Database struct {
		// Storage engine for stats snapshots. Options: postgres, sqlite. Blank disables storage.
		Engine string `mapstructure:"engine"`
		// Path to the database file when using sqlite.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		Enabled bool `mapstructure:"enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log packets to stdout.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
	} `mapstructure:"debugging"`
}

const envVarPrefix = "CERVER"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.hostname", "0.0.0.0")
	v.SetDefault("server.port", 7000)
	v.SetDefault("server.name", "cerver")
	v.SetDefault("server.kind", "custom")
	v.SetDefault("server.protocol", "tcp")
	v.SetDefault("server.max_connections", 6)
	v.SetDefault("server.max_concurrent", 2)
	v.SetDefault("handler.dedicated_thread", true)
	v.SetDefault("handler.delete_packets", true)
	v.SetDefault("inactive.check_interval", "30s")
	v.SetDefault("stats.threshold_time", "24h")
	v.SetDefault("auth.max_tries", 3)
	v.SetDefault("admin.port", 7001)
	v.SetDefault("logging.log_level", "info")
	v.SetDefault("debugging.pprof_port", 4000)
}

// LoadConfig reads config.yaml from configPath. Every key can be overridden with
// an environment variable, e.g. server.port can be set with CERVER_SERVER_PORT.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: no config file in path %s", configPath)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// DataSource returns the connection string for the configured database engine.
func (c *Config) DataSource() string {
	if c.Database.Engine == "sqlite" {
		return c.Database.Filename
	}
	return c.DatabaseURL()
}

// ListenAddress returns the host:port pair the cerver binds to.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Hostname, strconv.Itoa(c.Server.Port))
}

// AdminAddress returns the host:port pair the admin API binds to.
func (c *Config) AdminAddress() string {
	return net.JoinHostPort(c.Server.Hostname, strconv.Itoa(c.Admin.Port))
}
