package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the OVS VLAN agent.
type Config struct {
	// Open vSwitch settings
	OVS OVSConfig `mapstructure:"ovs"`

	// Libvirt settings
	Libvirt LibvirtConfig `mapstructure:"libvirt"`

	// Control-plane database settings
	Database DatabaseConfig `mapstructure:"database"`

	// Network settings
	Network NetworkConfig `mapstructure:"network"`

	// Reconciliation loop settings
	Agent AgentConfig `mapstructure:"agent"`

	// Logging settings
	Logging LoggingConfig `mapstructure:"logging"`

	// Server settings
	Server ServerConfig `mapstructure:"server"`
}

// OVSConfig contains OVS-specific configuration.
type OVSConfig struct {
	// Driver used for bridge and port mutations: "vsctl" or "ovsdb"
	Driver string `mapstructure:"driver"`

	// Path or name of the ovs-vsctl binary
	VsctlPath string `mapstructure:"vsctl_path"`

	// Timeout passed to ovs-vsctl --timeout
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// Database name (default: "Open_vSwitch")
	DatabaseName string `mapstructure:"database_name"`

	// Socket path for OVS database
	SocketPath string `mapstructure:"socket_path"`

	// Connection timeout
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`

	// Bridge managed outside the agent, never created or destroyed
	IntegrationBridge string `mapstructure:"integration_bridge"`
}

// LibvirtConfig contains hypervisor connection settings.
type LibvirtConfig struct {
	URI               string        `mapstructure:"uri"`
	SocketPath        string        `mapstructure:"socket_path"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// DatabaseConfig contains the control-plane database settings.
type DatabaseConfig struct {
	// Driver: "mysql" or "sqlite"
	Driver string `mapstructure:"driver"`

	DSN string `mapstructure:"dsn"`

	// How long to keep retrying the initial connection
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	MaxOpenConns int `mapstructure:"max_open_conns"`
}

// NetworkConfig contains network-specific configuration.
type NetworkConfig struct {
	// Tenant whose networks this agent manages
	TenantID string `mapstructure:"tenant_id"`

	// Switches maps a logical switch name to the host trunk interface.
	// Keys are case-insensitive.
	Switches map[string]string `mapstructure:"switches"`

	// Regular expression matching VM tap devices
	VIFPattern string `mapstructure:"vif_pattern"`

	// Directory listing kernel VLAN devices
	VLANProcDir string `mapstructure:"vlan_proc_dir"`

	// Network namespace holding the host links (empty for the current one)
	NetNSPath string `mapstructure:"netns_path"`

	// VLAN allocation range
	VLANMin int `mapstructure:"vlan_min"`
	VLANMax int `mapstructure:"vlan_max"`
}

// SwitchInterface returns the trunk interface for a logical switch.
func (nc *NetworkConfig) SwitchInterface(switchName string) (string, bool) {
	iface, ok := nc.Switches[strings.ToLower(switchName)]
	return iface, ok && iface != ""
}

// AgentConfig controls the reconciliation loop.
type AgentConfig struct {
	// Wait between cycles
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// Upper bound on a single cycle
	CycleTimeout time.Duration `mapstructure:"cycle_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (text, json)
	Format string `mapstructure:"format"`

	// Log file path (empty for stderr)
	FilePath string `mapstructure:"file_path"`

	// Rotation settings for FilePath
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
}

// ServerConfig contains server-specific configuration.
type ServerConfig struct {
	// Enable metrics endpoint
	EnableMetrics bool `mapstructure:"enable_metrics"`

	// Metrics server address
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Enable health check endpoint
	EnableHealthCheck bool `mapstructure:"enable_health_check"`

	// Health check address
	HealthAddr string `mapstructure:"health_addr"`
}

// Load loads configuration from environment variables, config files, and defaults.
// A non-empty path names the config file explicitly; it must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ovs-vlan-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/ovs-vlan-agent/")
		v.AddConfigPath("$HOME/.ovs-vlan-agent/")
		v.AddConfigPath("./configs/")
		v.AddConfigPath(".")
	}

	// Set environment variable prefix
	v.SetEnvPrefix("OVS_VLAN_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, continue with defaults and env vars
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// OVS defaults
	v.SetDefault("ovs.driver", getEnvOrDefault("OVS_DRIVER", "vsctl"))
	v.SetDefault("ovs.vsctl_path", getEnvOrDefault("OVS_VSCTL_PATH", "ovs-vsctl"))
	v.SetDefault("ovs.command_timeout", 2*time.Second)
	v.SetDefault("ovs.database_name", getEnvOrDefault("OVS_DB", "Open_vSwitch"))
	v.SetDefault(
		"ovs.socket_path",
		getEnvOrDefault("OVS_SOCKET_PATH", "/var/run/openvswitch/db.sock"),
	)
	v.SetDefault("ovs.connection_timeout", 30*time.Second)
	v.SetDefault("ovs.integration_bridge", getEnvOrDefault("OVS_INTEGRATION_BRIDGE", "br-int"))

	// Libvirt defaults
	v.SetDefault("libvirt.uri", getEnvOrDefault("LIBVIRT_DEFAULT_URI", "qemu:///system"))
	v.SetDefault(
		"libvirt.socket_path",
		getEnvOrDefault("LIBVIRT_SOCKET_PATH", "/var/run/libvirt/libvirt-sock"),
	)
	v.SetDefault("libvirt.connection_timeout", 15*time.Second)

	// Database defaults
	v.SetDefault("database.driver", getEnvOrDefault("DATABASE_DRIVER", "mysql"))
	v.SetDefault("database.dsn", getEnvOrDefault("DATABASE_DSN", ""))
	v.SetDefault("database.connect_timeout", time.Minute)
	v.SetDefault("database.max_open_conns", 2)

	// Network defaults
	v.SetDefault("network.tenant_id", getEnvOrDefault("TENANT_ID", ""))
	v.SetDefault("network.switches", map[string]string{})
	v.SetDefault("network.vif_pattern", `^tap[0-9a-fA-F-]*$`)
	v.SetDefault("network.vlan_proc_dir", "/proc/net/vlan")
	v.SetDefault("network.netns_path", getEnvOrDefault("HOST_NETNS_PATH", ""))
	v.SetDefault("network.vlan_min", 1)
	v.SetDefault("network.vlan_max", 4094)

	// Agent defaults
	v.SetDefault("agent.refresh_interval", 2*time.Second)
	v.SetDefault("agent.cycle_timeout", time.Minute)

	// Logging defaults
	v.SetDefault("logging.level", getEnvOrDefault("LOG_LEVEL", "info"))
	v.SetDefault("logging.format", getEnvOrDefault("LOG_FORMAT", "text"))
	v.SetDefault("logging.file_path", getEnvOrDefault("LOG_FILE_PATH", ""))
	v.SetDefault("logging.max_size_mb", 5)
	v.SetDefault("logging.max_backups", 50)

	// Server defaults
	v.SetDefault("server.enable_metrics", getEnvOrDefaultBool("ENABLE_METRICS", false))
	v.SetDefault("server.metrics_addr", getEnvOrDefault("METRICS_ADDR", ":8080"))
	v.SetDefault("server.enable_health_check", getEnvOrDefaultBool("ENABLE_HEALTH_CHECK", true))
	v.SetDefault("server.health_addr", getEnvOrDefault("HEALTH_ADDR", ":8081"))
}

// getEnvOrDefault gets an environment variable or returns a default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultBool gets a boolean environment variable or returns a default value.
// It interprets "true", "1", "yes" as true, and "false", "0", "no" as false (case-insensitive).
func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	valueStr := strings.ToLower(os.Getenv(key))
	switch valueStr {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

// Validate validates the configuration.
// ValidateVLANRange checks that the allocation range holds only usable tags.
func (n *NetworkConfig) ValidateVLANRange() error {
	if n.VLANMin < 1 || n.VLANMax > 4094 || n.VLANMin > n.VLANMax {
		return fmt.Errorf("VLAN range [%d,%d] must lie within [1,4094]", n.VLANMin, n.VLANMax)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.OVS.Driver {
	case "vsctl", "ovsdb":
	default:
		errs = append(errs, fmt.Errorf("ovs.driver must be vsctl or ovsdb, got %q", c.OVS.Driver))
	}
	if c.OVS.IntegrationBridge == "" {
		errs = append(errs, errors.New("ovs.integration_bridge is required"))
	}

	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	if c.Network.TenantID == "" {
		errs = append(errs, errors.New("network.tenant_id is required"))
	}
	if _, err := regexp.Compile(c.Network.VIFPattern); err != nil {
		errs = append(errs, fmt.Errorf("network.vif_pattern: %w", err))
	}
	errs = append(errs, c.Network.ValidateVLANRange())

	if c.Agent.RefreshInterval <= 0 {
		errs = append(errs, errors.New("agent.refresh_interval must be positive"))
	}
	if c.Agent.CycleTimeout <= 0 {
		errs = append(errs, errors.New("agent.cycle_timeout must be positive"))
	}

	return errors.Join(errs...)
}
