package ovs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"
	"github.com/ovn-org/libovsdb/ovsdb"
)

var rowNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// namedUUID returns a transaction-local row name that is stable for kind
// and name, so repeated attempts produce identical transactions.
func namedUUID(kind, name string) string {
	id := uuid.NewSHA1(rowNamespace, []byte(kind+":"+name))
	return "row_" + strings.ReplaceAll(id.String(), "-", "_")
}

// ConnectOVSDB connects to the database at endpoint and starts monitoring
// the tables in DatabaseModel so lookups can be served from the cache.
func ConnectOVSDB(
	ctx context.Context,
	endpoint, database string,
	timeout time.Duration,
	logger logr.Logger,
) (client.Client, error) {
	dbModel, err := DatabaseModel(database)
	if err != nil {
		return nil, fmt.Errorf("failed to create OVS database model: %w", err)
	}

	ovsLogger := logger.WithName("libovsdb")
	c, err := client.NewOVSDBClient(
		dbModel,
		client.WithEndpoint(endpoint),
		client.WithLogger(&ovsLogger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OVS client: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.Connect(cctx); err != nil {
		return nil, fmt.Errorf("failed to connect to OVS database at %s: %w", endpoint, err)
	}

	_, err = c.Monitor(
		cctx,
		c.NewMonitor(
			client.WithTable(&OpenvSwitch{}),
			client.WithTable(&Bridge{}),
			client.WithTable(&Port{}),
			client.WithTable(&Interface{}),
		),
	)
	if err != nil {
		c.Disconnect()
		return nil, fmt.Errorf("failed to monitor OVS database: %w", err)
	}

	logger.Info("Successfully connected to OVS database", "endpoint", endpoint)
	return c, nil
}

// OVSDBSwitch applies bridge and port changes as OVSDB transactions. The
// switch state text still comes from ovs-vsctl since that is what the
// observed-topology reader parses.
type OVSDBSwitch struct {
	ovs    client.Client
	runner *Runner
	logger logr.Logger
}

var _ Switch = &OVSDBSwitch{}

// NewOVSDBSwitch wraps a connected, monitoring client.
func NewOVSDBSwitch(ovs client.Client, runner *Runner, logger logr.Logger) *OVSDBSwitch {
	return &OVSDBSwitch{
		ovs:    ovs,
		runner: runner,
		logger: logger.WithName("ovsdbSwitch"),
	}
}

// Close disconnects the OVSDB client.
func (s *OVSDBSwitch) Close() {
	s.ovs.Disconnect()
}

func (s *OVSDBSwitch) Show(ctx context.Context) (string, error) {
	return s.runner.Vsctl(ctx, "show")
}

// rootUUID retrieves the root UUID from the Open_vSwitch table.
func (s *OVSDBSwitch) rootUUID(ctx context.Context) (string, error) {
	var rows []OpenvSwitch
	if err := s.ovs.List(ctx, &rows); err != nil {
		return "", fmt.Errorf("failed to list Open_vSwitch table: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("no Open_vSwitch root row found")
	}
	s.logger.V(3).Info("Retrieved root UUID", "uuid", rows[0].UUID)
	return rows[0].UUID, nil
}

func (s *OVSDBSwitch) bridgeByName(ctx context.Context, name string) (*Bridge, error) {
	var bridges []Bridge
	err := s.ovs.WhereCache(func(b *Bridge) bool {
		return b.Name == name
	}).List(ctx, &bridges)
	if err != nil {
		return nil, fmt.Errorf("failed to list bridges from cache: %w", err)
	}
	if len(bridges) == 0 {
		return nil, nil
	}
	return &bridges[0], nil
}

func (s *OVSDBSwitch) portByName(ctx context.Context, name string) (*Port, error) {
	var ports []Port
	err := s.ovs.WhereCache(func(p *Port) bool {
		return p.Name == name
	}).List(ctx, &ports)
	if err != nil {
		return nil, fmt.Errorf("failed to find port %s in cache: %w", name, err)
	}
	if len(ports) == 0 {
		return nil, nil
	}
	return &ports[0], nil
}

func (s *OVSDBSwitch) deleteBridgeOps(rootUUID string, br *Bridge) ([]ovsdb.Operation, error) {
	root := &OpenvSwitch{UUID: rootUUID}
	mutateOps, err := s.ovs.Where(root).Mutate(root, model.Mutation{
		Field:   &root.Bridges,
		Mutator: ovsdb.MutateOperationDelete,
		Value:   []string{br.UUID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge detach operation: %w", err)
	}
	deleteOps, err := s.ovs.Where(br).Delete()
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge delete operation: %w", err)
	}
	return append(mutateOps, deleteOps...), nil
}

// ResetBridge removes the bridge if present and recreates it with its
// internal port, in a single transaction.
func (s *OVSDBSwitch) ResetBridge(ctx context.Context, bridge string) error {
	rootUUID, err := s.rootUUID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get root UUID for bridge creation: %w", err)
	}

	var operations []ovsdb.Operation
	existing, err := s.bridgeByName(ctx, bridge)
	if err != nil {
		return err
	}
	if existing != nil {
		s.logger.V(1).Info("Bridge exists, deleting before recreate", "bridge", bridge)
		ops, err := s.deleteBridgeOps(rootUUID, existing)
		if err != nil {
			return err
		}
		operations = append(operations, ops...)
	}

	iface := &Interface{
		UUID:        namedUUID("interface", bridge),
		Name:        bridge,
		Type:        "internal",
		ExternalIDs: map[string]string{},
	}
	port := &Port{
		UUID:        namedUUID("port", bridge),
		Name:        bridge,
		Interfaces:  []string{iface.UUID},
		ExternalIDs: map[string]string{},
	}
	br := &Bridge{
		UUID:        namedUUID("bridge", bridge),
		Name:        bridge,
		Ports:       []string{port.UUID},
		ExternalIDs: map[string]string{},
	}
	createOps, err := s.ovs.Create(iface, port, br)
	if err != nil {
		return fmt.Errorf("failed to create bridge insert operation: %w", err)
	}

	root := &OpenvSwitch{UUID: rootUUID}
	mutateOps, err := s.ovs.Where(root).Mutate(root, model.Mutation{
		Field:   &root.Bridges,
		Mutator: ovsdb.MutateOperationInsert,
		Value:   []string{br.UUID},
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge mutation operation: %w", err)
	}

	operations = append(operations, createOps...)
	operations = append(operations, mutateOps...)
	return s.transact(ctx, operations, "bridge", bridge)
}

func (s *OVSDBSwitch) DeleteBridge(ctx context.Context, bridge string) error {
	existing, err := s.bridgeByName(ctx, bridge)
	if err != nil {
		return err
	}
	if existing == nil {
		s.logger.V(1).Info("Bridge does not exist, nothing to delete", "bridge", bridge)
		return nil
	}
	rootUUID, err := s.rootUUID(ctx)
	if err != nil {
		return err
	}
	operations, err := s.deleteBridgeOps(rootUUID, existing)
	if err != nil {
		return err
	}
	return s.transact(ctx, operations, "bridge", bridge)
}

// AddPort attaches a system interface to the bridge. It is a no-op when the
// port is already on that bridge.
func (s *OVSDBSwitch) AddPort(ctx context.Context, bridge, port string) error {
	existing, err := s.portByName(ctx, port)
	if err != nil {
		return err
	}
	if existing != nil {
		br, err := s.bridgeByName(ctx, bridge)
		if err != nil {
			return err
		}
		if br != nil && slices.Contains(br.Ports, existing.UUID) {
			s.logger.V(1).Info("Port already exists on the target bridge", "bridge", bridge, "port", port)
			return nil
		}
		return fmt.Errorf("port %s already exists on another bridge", port)
	}

	iface := &Interface{
		UUID:        namedUUID("interface", port),
		Name:        port,
		ExternalIDs: map[string]string{},
	}
	p := &Port{
		UUID:        namedUUID("port", port),
		Name:        port,
		Interfaces:  []string{iface.UUID},
		ExternalIDs: map[string]string{},
	}
	operations, err := s.ovs.Create(iface, p)
	if err != nil {
		return fmt.Errorf("failed to create port operation for %s: %w", port, err)
	}

	// Keyed on the name index so a bridge created moments ago does not need
	// to be in the cache yet.
	br := &Bridge{Name: bridge}
	mutateOps, err := s.ovs.Where(br).Mutate(br, model.Mutation{
		Field:   &br.Ports,
		Mutator: ovsdb.MutateOperationInsert,
		Value:   []string{p.UUID},
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge mutation for port %s: %w", port, err)
	}
	operations = append(operations, mutateOps...)

	return s.transact(ctx, operations, "bridge", bridge, "port", port)
}

// DeletePort removes the port from the bridge. Missing ports are ignored.
func (s *OVSDBSwitch) DeletePort(ctx context.Context, bridge, port string) error {
	existing, err := s.portByName(ctx, port)
	if err != nil {
		return err
	}
	if existing == nil {
		s.logger.V(1).Info("Port does not exist, nothing to remove", "port", port)
		return nil
	}

	br := &Bridge{Name: bridge}
	operations, err := s.ovs.Where(br).Mutate(br, model.Mutation{
		Field:   &br.Ports,
		Mutator: ovsdb.MutateOperationDelete,
		Value:   []string{existing.UUID},
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge mutation for port %s: %w", port, err)
	}
	deleteOps, err := s.ovs.Where(existing).Delete()
	if err != nil {
		return fmt.Errorf("failed to create port delete operation for %s: %w", port, err)
	}
	operations = append(operations, deleteOps...)

	return s.transact(ctx, operations, "bridge", bridge, "port", port)
}

func (s *OVSDBSwitch) SetIngressPolicingRate(ctx context.Context, iface string, rate int) error {
	row := &Interface{Name: iface, IngressPolicingRate: rate}
	operations, err := s.ovs.Where(row).Update(row, &row.IngressPolicingRate)
	if err != nil {
		return fmt.Errorf("failed to create policing rate update for %s: %w", iface, err)
	}
	return s.transact(ctx, operations, "interface", iface, "rate", rate)
}

func (s *OVSDBSwitch) SetIngressPolicingBurst(ctx context.Context, iface string, burst int) error {
	row := &Interface{Name: iface, IngressPolicingBurst: burst}
	operations, err := s.ovs.Where(row).Update(row, &row.IngressPolicingBurst)
	if err != nil {
		return fmt.Errorf("failed to create policing burst update for %s: %w", iface, err)
	}
	return s.transact(ctx, operations, "interface", iface, "burst", burst)
}

func (s *OVSDBSwitch) transact(ctx context.Context, operations []ovsdb.Operation, kv ...any) error {
	s.logger.V(2).Info("Executing OVSDB transaction", append(kv, "operationCount", len(operations))...)

	results, err := s.ovs.Transact(ctx, operations...)
	if err != nil {
		return fmt.Errorf("OVSDB transaction failed: %w", err)
	}
	if _, err := ovsdb.CheckOperationResults(results, operations); err != nil {
		for i, result := range results {
			if result.Error != "" {
				s.logger.Error(nil, "OVSDB operation failed",
					append(kv, "operationIndex", i, "error", result.Error, "details", result.Details)...)
			}
		}
		return fmt.Errorf("OVSDB transaction check failed: %w", err)
	}
	return nil
}
