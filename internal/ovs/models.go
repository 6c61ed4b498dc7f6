package ovs

import (
	"github.com/ovn-org/libovsdb/model"
)

const (
	OpenvSwitchTable = "Open_vSwitch"
	BridgeTable      = "Bridge"
	PortTable        = "Port"
	InterfaceTable   = "Interface"
)

// OpenvSwitch is the root row of the Open_vSwitch database.
type OpenvSwitch struct {
	UUID    string   `ovsdb:"_uuid"`
	Bridges []string `ovsdb:"bridges"`
}

type Bridge struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Ports       []string          `ovsdb:"ports"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

type Port struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Interfaces  []string          `ovsdb:"interfaces"`
	Tag         *int              `ovsdb:"tag"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
}

type Interface struct {
	UUID                 string            `ovsdb:"_uuid"`
	Name                 string            `ovsdb:"name"`
	Type                 string            `ovsdb:"type"`
	IngressPolicingRate  int               `ovsdb:"ingress_policing_rate"`
	IngressPolicingBurst int               `ovsdb:"ingress_policing_burst"`
	ExternalIDs          map[string]string `ovsdb:"external_ids"`
}

// DatabaseModel returns the client model for the tables the agent touches.
func DatabaseModel(name string) (model.ClientDBModel, error) {
	if name == "" {
		name = OpenvSwitchTable
	}
	return model.NewClientDBModel(name, map[string]model.Model{
		OpenvSwitchTable: &OpenvSwitch{},
		BridgeTable:      &Bridge{},
		PortTable:        &Port{},
		InterfaceTable:   &Interface{},
	})
}
