package store

// Network is a row of the control plane's networks table.
type Network struct {
	UUID     string `gorm:"column:uuid;primaryKey;size:36"`
	TenantID string `gorm:"column:tenant_id;size:255;index"`
	Name     string `gorm:"column:name;size:255"`
	OpStatus string `gorm:"column:op_status;size:16"`
}

func (Network) TableName() string { return "networks" }

// NetworkProperties carries the VLAN binding and policing of a network.
type NetworkProperties struct {
	NetworkID       string `gorm:"column:network_id;primaryKey;size:255"`
	NetworkType     string `gorm:"column:network_type;size:255"`
	SwitchName      string `gorm:"column:switch_name;size:255"`
	VLANTag         *int   `gorm:"column:vlan_tag"`
	MaxIngressRate  *int   `gorm:"column:max_ingress_rate"`
	MaxIngressBurst *int   `gorm:"column:max_ingress_burst"`
}

func (NetworkProperties) TableName() string { return "network_properties" }

type Port struct {
	UUID        string `gorm:"column:uuid;primaryKey;size:36"`
	NetworkID   string `gorm:"column:network_id;size:255;index"`
	InterfaceID string `gorm:"column:interface_id;size:255"`
	State       string `gorm:"column:state;size:8"`
	OpStatus    string `gorm:"column:op_status;size:16"`
}

func (Port) TableName() string { return "ports" }

// PortProperties binds a port to a VM and MAC address.
type PortProperties struct {
	PortID      string  `gorm:"column:port_id;primaryKey;size:255"`
	MACAddr     *string `gorm:"column:mac_addr;size:255"`
	VMID        *string `gorm:"column:vm_id;size:255;index"`
	VMInterface *string `gorm:"column:vm_interface;size:255"`
}

func (PortProperties) TableName() string { return "port_properties" }

// Models lists every table model, for tests and tooling that create the
// schema.
func Models() []any {
	return []any{&Network{}, &NetworkProperties{}, &Port{}, &PortProperties{}}
}

// PortBinding is one port joined with its network, as read by the agent.
type PortBinding struct {
	PortID          string  `gorm:"column:port_id"`
	NetworkID       string  `gorm:"column:network_id"`
	TenantID        string  `gorm:"column:tenant_id"`
	VMID            *string `gorm:"column:vm_id"`
	MACAddr         *string `gorm:"column:mac_addr"`
	SwitchName      *string `gorm:"column:switch_name"`
	VLANTag         *int    `gorm:"column:vlan_tag"`
	MaxIngressRate  *int    `gorm:"column:max_ingress_rate"`
	MaxIngressBurst *int    `gorm:"column:max_ingress_burst"`
}

// NetworkVLAN is a network's persisted VLAN tag.
type NetworkVLAN struct {
	NetworkID string `gorm:"column:network_id"`
	VLANTag   *int   `gorm:"column:vlan_tag"`
}
