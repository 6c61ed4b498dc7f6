package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Test default configuration
	config, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}

	// Verify defaults
	if config.OVS.DatabaseName != "Open_vSwitch" {
		t.Errorf("Expected database name 'Open_vSwitch', got '%s'", config.OVS.DatabaseName)
	}

	if config.OVS.IntegrationBridge != "br-int" {
		t.Errorf("Expected integration bridge 'br-int', got '%s'", config.OVS.IntegrationBridge)
	}

	if config.Logging.Level != "info" {
		t.Errorf("Expected log level 'info', got '%s'", config.Logging.Level)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("OVS_DB", "TestDatabase")
	t.Setenv("TENANT_ID", "tenant-a")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config with env override: %v", err)
	}

	if config.OVS.DatabaseName != "TestDatabase" {
		t.Errorf("Expected database name 'TestDatabase', got '%s'", config.OVS.DatabaseName)
	}
	if config.Network.TenantID != "tenant-a" {
		t.Errorf("Expected tenant 'tenant-a', got '%s'", config.Network.TenantID)
	}
}

func TestViperEnvironmentOverride(t *testing.T) {
	t.Setenv("OVS_VLAN_AGENT_OVS_INTEGRATION_BRIDGE", "br-mgmt")
	t.Setenv("OVS_VLAN_AGENT_AGENT_REFRESH_INTERVAL", "5s")

	config, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config with viper env override: %v", err)
	}

	if config.OVS.IntegrationBridge != "br-mgmt" {
		t.Errorf("Expected integration bridge 'br-mgmt', got '%s'", config.OVS.IntegrationBridge)
	}
	if config.Agent.RefreshInterval != 5*time.Second {
		t.Errorf("Expected refresh interval 5s, got %v", config.Agent.RefreshInterval)
	}
}

func TestConfigDefaults(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Test all default values
	tests := []struct {
		name     string
		actual   any
		expected any
	}{
		{"Driver", config.OVS.Driver, "vsctl"},
		{"VsctlPath", config.OVS.VsctlPath, "ovs-vsctl"},
		{"CommandTimeout", config.OVS.CommandTimeout, 2 * time.Second},
		{"DatabaseName", config.OVS.DatabaseName, "Open_vSwitch"},
		{"SocketPath", config.OVS.SocketPath, "/var/run/openvswitch/db.sock"},
		{"ConnectionTimeout", config.OVS.ConnectionTimeout, 30 * time.Second},
		{"LibvirtURI", config.Libvirt.URI, "qemu:///system"},
		{"DatabaseDriver", config.Database.Driver, "mysql"},
		{"VLANProcDir", config.Network.VLANProcDir, "/proc/net/vlan"},
		{"VLANMin", config.Network.VLANMin, 1},
		{"VLANMax", config.Network.VLANMax, 4094},
		{"RefreshInterval", config.Agent.RefreshInterval, 2 * time.Second},
		{"CycleTimeout", config.Agent.CycleTimeout, time.Minute},
		{"LogLevel", config.Logging.Level, "info"},
		{"LogFormat", config.Logging.Format, "text"},
		{"MaxSizeMB", config.Logging.MaxSizeMB, 5},
		{"MaxBackups", config.Logging.MaxBackups, 50},
		{"EnableHealthCheck", config.Server.EnableHealthCheck, true},
		{"EnableMetrics", config.Server.EnableMetrics, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.actual != tt.expected {
				t.Errorf("Expected %s to be %v, got %v", tt.name, tt.expected, tt.actual)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	content := `
database:
  driver: sqlite
  dsn: /var/lib/ovs-vlan-agent/state.db
network:
  tenant_id: tenant-a
  switches:
    PhysNet1: bond0
    physnet2: eth2
agent:
  refresh_interval: 10s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config file: %v", err)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	if iface, ok := config.Network.SwitchInterface("physnet1"); !ok || iface != "bond0" {
		t.Errorf("Expected physnet1 -> bond0, got %q (%v)", iface, ok)
	}
	if iface, ok := config.Network.SwitchInterface("PHYSNET2"); !ok || iface != "eth2" {
		t.Errorf("Expected PHYSNET2 -> eth2, got %q (%v)", iface, ok)
	}
	if _, ok := config.Network.SwitchInterface("physnet3"); ok {
		t.Errorf("Expected physnet3 to be unresolved")
	}
	if config.Agent.RefreshInterval != 10*time.Second {
		t.Errorf("Expected refresh interval 10s, got %v", config.Agent.RefreshInterval)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Errorf("Expected an error for an explicit missing config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c, err := Load("")
		if err != nil {
			t.Fatalf("Failed to load config: %v", err)
		}
		c.Database.DSN = "agent:secret@tcp(db:3306)/network"
		c.Network.TenantID = "tenant-a"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing tenant", func(c *Config) { c.Network.TenantID = "" }, "tenant_id"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"unknown ovs driver", func(c *Config) { c.OVS.Driver = "netlink" }, "ovs.driver"},
		{"unknown db driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"missing integration bridge", func(c *Config) { c.OVS.IntegrationBridge = "" }, "integration_bridge"},
		{"bad vif pattern", func(c *Config) { c.Network.VIFPattern = "tap[" }, "vif_pattern"},
		{"dead vlan in range", func(c *Config) { c.Network.VLANMax = 4095 }, "VLAN range"},
		{"inverted vlan range", func(c *Config) { c.Network.VLANMin = 100; c.Network.VLANMax = 10 }, "VLAN range"},
		{"zero interval", func(c *Config) { c.Agent.RefreshInterval = 0 }, "refresh_interval"},
		{"zero cycle timeout", func(c *Config) { c.Agent.CycleTimeout = 0 }, "cycle_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
