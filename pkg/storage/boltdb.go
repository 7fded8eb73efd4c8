package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/ferrumproject/ferrum/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes           = []byte("nodes")
	bucketPorts           = []byte("ports")
	bucketPortgroups      = []byte("portgroups")
	bucketAllocations     = []byte("allocations")
	bucketNodeHistory     = []byte("node_history")
	bucketConductors      = []byte("conductors")
	bucketDeployTemplates = []byte("deploy_templates")
	bucketRunbooks        = []byte("runbooks")
)

// BoltStore implements Store using BoltDB. All conductors in a deployment
// point at the same database file; reservation updates run inside a single
// write transaction, which is what makes them conditional-and-atomic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ferrum.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketPorts,
			bucketPortgroups,
			bucketAllocations,
			bucketNodeHistory,
			bucketConductors,
			bucketDeployTemplates,
			bucketRunbooks,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Nodes ---

func (s *BoltStore) CreateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(node.UUID)) != nil {
			return &InvalidParameterError{Msg: fmt.Sprintf("node already exists: %s", node.UUID)}
		}
		if node.Name != "" {
			if existing, _ := findNodeByNameTx(tx, node.Name); existing != nil {
				return &InvalidParameterError{Msg: fmt.Sprintf("node name already in use: %s", node.Name)}
			}
		}
		return putNodeTx(tx, node)
	})
}

func (s *BoltStore) GetNode(uuid string) (*types.Node, error) {
	var node *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		node, err = getNodeTx(tx, uuid)
		return err
	})
	return node, err
}

func (s *BoltStore) GetNodeByName(name string) (*types.Node, error) {
	var node *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		node, err = findNodeByNameTx(tx, name)
		if node == nil && err == nil {
			return &NotFoundError{Kind: "node", Ident: name}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// GetNodeByIdent resolves a node by UUID or, failing that, by name.
func (s *BoltStore) GetNodeByIdent(ident string) (*types.Node, error) {
	if uuid.Validate(ident) == nil {
		return s.GetNode(ident)
	}
	return s.GetNodeByName(ident)
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) ListNodesByProvisionState(state types.ProvisionState) ([]*types.Node, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Node
	for _, node := range nodes {
		if node.ProvisionState == state {
			filtered = append(filtered, node)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListNodesReservedBy(host string) ([]*types.Node, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Node
	for _, node := range nodes {
		if node.Reservation == host {
			filtered = append(filtered, node)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getNodeTx(tx, node.UUID); err != nil {
			return err
		}
		return putNodeTx(tx, node)
	})
}

// DeleteNode destroys the node and everything it owns: ports, portgroups,
// and history entries. Allocations bound to the node are unbound.
func (s *BoltStore) DeleteNode(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		node, err := getNodeTx(tx, uuid)
		if err != nil {
			return err
		}
		if node.Reservation != "" {
			return &NodeLockedError{Node: uuid, Host: node.Reservation}
		}

		if err := deleteOwnedTx(tx, bucketPorts, uuid); err != nil {
			return err
		}
		if err := deleteOwnedTx(tx, bucketPortgroups, uuid); err != nil {
			return err
		}
		if err := deleteOwnedTx(tx, bucketNodeHistory, uuid); err != nil {
			return err
		}

		ab := tx.Bucket(bucketAllocations)
		err = ab.ForEach(func(k, v []byte) error {
			var a types.Allocation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.NodeUUID == uuid {
				a.NodeUUID = ""
				a.State = types.AllocationError
				a.LastError = "node was deleted"
				data, err := json.Marshal(&a)
				if err != nil {
					return err
				}
				return ab.Put(k, data)
			}
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketNodes).Delete([]byte(uuid))
	})
}

// ReserveNode resolves ident (UUID or name) and sets the reservation to
// host, failing with NodeLockedError when any reservation is already set.
// The check and the write share one transaction, so concurrent callers race
// on the commit and exactly one wins.
func (s *BoltStore) ReserveNode(host, ident string) (*types.Node, error) {
	var node *types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		node, err = resolveNodeTx(tx, ident)
		if err != nil {
			return err
		}
		if node.Reservation != "" {
			return &NodeLockedError{Node: node.UUID, Host: node.Reservation}
		}
		node.Reservation = host
		return putNodeTx(tx, node)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// ReleaseNode clears the reservation when held by host. Releasing an
// unreserved node or one held by another conductor returns
// NodeNotLockedError.
func (s *BoltStore) ReleaseNode(host, uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		node, err := getNodeTx(tx, uuid)
		if err != nil {
			return err
		}
		if node.Reservation != host {
			return &NodeNotLockedError{Node: uuid, Host: host}
		}
		node.Reservation = ""
		return putNodeTx(tx, node)
	})
}

func getNodeTx(tx *bolt.Tx, uuid string) (*types.Node, error) {
	data := tx.Bucket(bucketNodes).Get([]byte(uuid))
	if data == nil {
		return nil, &NotFoundError{Kind: "node", Ident: uuid}
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func findNodeByNameTx(tx *bolt.Tx, name string) (*types.Node, error) {
	var found *types.Node
	err := tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return err
		}
		if node.Name == name {
			found = &node
		}
		return nil
	})
	return found, err
}

func resolveNodeTx(tx *bolt.Tx, ident string) (*types.Node, error) {
	if uuid.Validate(ident) == nil {
		return getNodeTx(tx, ident)
	}
	node, err := findNodeByNameTx(tx, ident)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, &NotFoundError{Kind: "node", Ident: ident}
	}
	return node, nil
}

func putNodeTx(tx *bolt.Tx, node *types.Node) error {
	node.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketNodes).Put([]byte(node.UUID), data)
}

// deleteOwnedTx removes every record in bucket whose NodeUUID matches.
func deleteOwnedTx(tx *bolt.Tx, bucket []byte, nodeUUID string) error {
	b := tx.Bucket(bucket)
	var owned struct {
		NodeUUID string
	}
	var doomed [][]byte
	err := b.ForEach(func(k, v []byte) error {
		if err := json.Unmarshal(v, &owned); err != nil {
			return err
		}
		if owned.NodeUUID == nodeUUID {
			key := make([]byte, len(k))
			copy(key, k)
			doomed = append(doomed, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range doomed {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// --- Ports ---

// ValidatePortPhysnet enforces the portgroup invariant: every member port
// must carry the same physical network, or leave it unset.
func ValidatePortPhysnet(port *types.Port, members []*types.Port) error {
	if port.PortgroupUUID == "" {
		return nil
	}
	for _, m := range members {
		if m.UUID == port.UUID {
			continue
		}
		if m.PhysicalNetwork != "" && port.PhysicalNetwork != "" &&
			m.PhysicalNetwork != port.PhysicalNetwork {
			return &InvalidParameterError{Msg: fmt.Sprintf(
				"port %s has physical network %q but portgroup %s members use %q",
				port.UUID, port.PhysicalNetwork, port.PortgroupUUID, m.PhysicalNetwork)}
		}
	}
	return nil
}

func (s *BoltStore) CreatePort(port *types.Port) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getNodeTx(tx, port.NodeUUID); err != nil {
			return err
		}
		if err := validatePortPhysnetTx(tx, port); err != nil {
			return err
		}
		port.CreatedAt = time.Now().UTC()
		return putJSONTx(tx, bucketPorts, port.UUID, port)
	})
}

func (s *BoltStore) GetPort(uuid string) (*types.Port, error) {
	var port types.Port
	err := s.getJSON(bucketPorts, uuid, "port", &port)
	if err != nil {
		return nil, err
	}
	return &port, nil
}

func (s *BoltStore) ListPortsByNode(nodeUUID string) ([]*types.Port, error) {
	var ports []*types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPorts).ForEach(func(k, v []byte) error {
			var port types.Port
			if err := json.Unmarshal(v, &port); err != nil {
				return err
			}
			if port.NodeUUID == nodeUUID {
				ports = append(ports, &port)
			}
			return nil
		})
	})
	return ports, err
}

func (s *BoltStore) ListPortsByPortgroup(portgroupUUID string) ([]*types.Port, error) {
	var ports []*types.Port
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ports, err = portgroupMembersTx(tx, portgroupUUID)
		return err
	})
	return ports, err
}

func (s *BoltStore) UpdatePort(port *types.Port) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPorts).Get([]byte(port.UUID)) == nil {
			return &NotFoundError{Kind: "port", Ident: port.UUID}
		}
		if err := validatePortPhysnetTx(tx, port); err != nil {
			return err
		}
		return putJSONTx(tx, bucketPorts, port.UUID, port)
	})
}

func (s *BoltStore) DeletePort(uuid string) error {
	return s.deleteKey(bucketPorts, uuid)
}

func validatePortPhysnetTx(tx *bolt.Tx, port *types.Port) error {
	if port.PortgroupUUID == "" {
		return nil
	}
	if tx.Bucket(bucketPortgroups).Get([]byte(port.PortgroupUUID)) == nil {
		return &NotFoundError{Kind: "portgroup", Ident: port.PortgroupUUID}
	}
	members, err := portgroupMembersTx(tx, port.PortgroupUUID)
	if err != nil {
		return err
	}
	return ValidatePortPhysnet(port, members)
}

func portgroupMembersTx(tx *bolt.Tx, portgroupUUID string) ([]*types.Port, error) {
	var ports []*types.Port
	err := tx.Bucket(bucketPorts).ForEach(func(k, v []byte) error {
		var port types.Port
		if err := json.Unmarshal(v, &port); err != nil {
			return err
		}
		if port.PortgroupUUID == portgroupUUID {
			ports = append(ports, &port)
		}
		return nil
	})
	return ports, err
}

// --- Portgroups ---

func (s *BoltStore) CreatePortgroup(pg *types.Portgroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getNodeTx(tx, pg.NodeUUID); err != nil {
			return err
		}
		pg.CreatedAt = time.Now().UTC()
		return putJSONTx(tx, bucketPortgroups, pg.UUID, pg)
	})
}

func (s *BoltStore) GetPortgroup(uuid string) (*types.Portgroup, error) {
	var pg types.Portgroup
	err := s.getJSON(bucketPortgroups, uuid, "portgroup", &pg)
	if err != nil {
		return nil, err
	}
	return &pg, nil
}

func (s *BoltStore) ListPortgroupsByNode(nodeUUID string) ([]*types.Portgroup, error) {
	var pgs []*types.Portgroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPortgroups).ForEach(func(k, v []byte) error {
			var pg types.Portgroup
			if err := json.Unmarshal(v, &pg); err != nil {
				return err
			}
			if pg.NodeUUID == nodeUUID {
				pgs = append(pgs, &pg)
			}
			return nil
		})
	})
	return pgs, err
}

func (s *BoltStore) DeletePortgroup(uuid string) error {
	return s.deleteKey(bucketPortgroups, uuid)
}

// --- Allocations ---

func (s *BoltStore) CreateAllocation(a *types.Allocation) error {
	a.CreatedAt = time.Now().UTC()
	return s.putJSON(bucketAllocations, a.UUID, a)
}

func (s *BoltStore) GetAllocation(uuid string) (*types.Allocation, error) {
	var a types.Allocation
	err := s.getJSON(bucketAllocations, uuid, "allocation", &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListAllocations() ([]*types.Allocation, error) {
	var allocations []*types.Allocation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAllocations).ForEach(func(k, v []byte) error {
			var a types.Allocation
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			allocations = append(allocations, &a)
			return nil
		})
	})
	return allocations, err
}

func (s *BoltStore) UpdateAllocation(a *types.Allocation) error {
	a.UpdatedAt = time.Now().UTC()
	return s.putJSON(bucketAllocations, a.UUID, a)
}

func (s *BoltStore) DeleteAllocation(uuid string) error {
	return s.deleteKey(bucketAllocations, uuid)
}

// --- Node history ---

func (s *BoltStore) AddNodeHistory(h *types.NodeHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return s.putJSON(bucketNodeHistory, h.UUID, h)
}

func (s *BoltStore) ListNodeHistory(nodeUUID string) ([]*types.NodeHistory, error) {
	var entries []*types.NodeHistory
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodeHistory).ForEach(func(k, v []byte) error {
			var h types.NodeHistory
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			if h.NodeUUID == nodeUUID {
				entries = append(entries, &h)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// --- Conductors ---

func (s *BoltStore) RegisterConductor(c *types.Conductor) error {
	now := time.Now().UTC()
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = now
	}
	c.UpdatedAt = now
	return s.putJSON(bucketConductors, c.Hostname, c)
}

// TouchConductor refreshes the heartbeat timestamp.
func (s *BoltStore) TouchConductor(hostname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConductors)
		data := b.Get([]byte(hostname))
		if data == nil {
			return &NotFoundError{Kind: "conductor", Ident: hostname}
		}
		var c types.Conductor
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		c.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&c)
		if err != nil {
			return err
		}
		return b.Put([]byte(hostname), out)
	})
}

func (s *BoltStore) GetConductor(hostname string) (*types.Conductor, error) {
	var c types.Conductor
	err := s.getJSON(bucketConductors, hostname, "conductor", &c)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListConductors() ([]*types.Conductor, error) {
	var conductors []*types.Conductor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConductors).ForEach(func(k, v []byte) error {
			var c types.Conductor
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			conductors = append(conductors, &c)
			return nil
		})
	})
	return conductors, err
}

func (s *BoltStore) UnregisterConductor(hostname string) error {
	return s.deleteKey(bucketConductors, hostname)
}

// --- Deploy templates ---

func (s *BoltStore) CreateDeployTemplate(t *types.DeployTemplate) error {
	t.CreatedAt = time.Now().UTC()
	return s.putJSON(bucketDeployTemplates, t.UUID, t)
}

func (s *BoltStore) GetDeployTemplateByName(name string) (*types.DeployTemplate, error) {
	var found *types.DeployTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployTemplates).ForEach(func(k, v []byte) error {
			var t types.DeployTemplate
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Name == name {
				found = &t
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &NotFoundError{Kind: "deploy template", Ident: name}
	}
	return found, nil
}

func (s *BoltStore) ListDeployTemplates() ([]*types.DeployTemplate, error) {
	var templates []*types.DeployTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployTemplates).ForEach(func(k, v []byte) error {
			var t types.DeployTemplate
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			templates = append(templates, &t)
			return nil
		})
	})
	return templates, err
}

func (s *BoltStore) UpdateDeployTemplate(t *types.DeployTemplate) error {
	t.UpdatedAt = time.Now().UTC()
	return s.putJSON(bucketDeployTemplates, t.UUID, t)
}

func (s *BoltStore) DeleteDeployTemplate(uuid string) error {
	return s.deleteKey(bucketDeployTemplates, uuid)
}

// --- Runbooks ---

func (s *BoltStore) CreateRunbook(r *types.Runbook) error {
	r.CreatedAt = time.Now().UTC()
	return s.putJSON(bucketRunbooks, r.UUID, r)
}

func (s *BoltStore) GetRunbookByName(name string) (*types.Runbook, error) {
	var found *types.Runbook
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunbooks).ForEach(func(k, v []byte) error {
			var r types.Runbook
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Name == name {
				found = &r
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &NotFoundError{Kind: "runbook", Ident: name}
	}
	return found, nil
}

func (s *BoltStore) ListRunbooks() ([]*types.Runbook, error) {
	var runbooks []*types.Runbook
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRunbooks).ForEach(func(k, v []byte) error {
			var r types.Runbook
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			runbooks = append(runbooks, &r)
			return nil
		})
	})
	return runbooks, err
}

func (s *BoltStore) UpdateRunbook(r *types.Runbook) error {
	r.UpdatedAt = time.Now().UTC()
	return s.putJSON(bucketRunbooks, r.UUID, r)
}

func (s *BoltStore) DeleteRunbook(uuid string) error {
	return s.deleteKey(bucketRunbooks, uuid)
}

// --- Helpers ---

func (s *BoltStore) putJSON(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSONTx(tx, bucket, key, v)
	})
}

func putJSONTx(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func (s *BoltStore) getJSON(bucket []byte, key, kind string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return &NotFoundError{Kind: kind, Ident: key}
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) deleteKey(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
