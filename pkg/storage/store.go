package storage

import (
	"github.com/ferrumproject/ferrum/pkg/types"
)

// Store defines the interface for shared provisioning state. Conductors in
// a deployment coordinate exclusively through this store: ReserveNode and
// ReleaseNode are the atomic, conditional updates that back node locking.
type Store interface {
	// Nodes
	CreateNode(node *types.Node) error
	GetNode(uuid string) (*types.Node, error)
	GetNodeByName(name string) (*types.Node, error)
	GetNodeByIdent(ident string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListNodesByProvisionState(state types.ProvisionState) ([]*types.Node, error)
	ListNodesReservedBy(host string) ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(uuid string) error

	// Node locking. ReserveNode sets reservation = host only when the node
	// is currently unreserved, returning NodeLockedError otherwise.
	// ReleaseNode clears it only when held by host.
	ReserveNode(host, ident string) (*types.Node, error)
	ReleaseNode(host, uuid string) error

	// Ports and portgroups
	CreatePort(port *types.Port) error
	GetPort(uuid string) (*types.Port, error)
	ListPortsByNode(nodeUUID string) ([]*types.Port, error)
	ListPortsByPortgroup(portgroupUUID string) ([]*types.Port, error)
	UpdatePort(port *types.Port) error
	DeletePort(uuid string) error
	CreatePortgroup(pg *types.Portgroup) error
	GetPortgroup(uuid string) (*types.Portgroup, error)
	ListPortgroupsByNode(nodeUUID string) ([]*types.Portgroup, error)
	DeletePortgroup(uuid string) error

	// Allocations
	CreateAllocation(a *types.Allocation) error
	GetAllocation(uuid string) (*types.Allocation, error)
	ListAllocations() ([]*types.Allocation, error)
	UpdateAllocation(a *types.Allocation) error
	DeleteAllocation(uuid string) error

	// Node history (append-only, destroyed with the node)
	AddNodeHistory(h *types.NodeHistory) error
	ListNodeHistory(nodeUUID string) ([]*types.NodeHistory, error)

	// Conductors
	RegisterConductor(c *types.Conductor) error
	TouchConductor(hostname string) error
	GetConductor(hostname string) (*types.Conductor, error)
	ListConductors() ([]*types.Conductor, error)
	UnregisterConductor(hostname string) error

	// Deploy templates and runbooks
	CreateDeployTemplate(t *types.DeployTemplate) error
	GetDeployTemplateByName(name string) (*types.DeployTemplate, error)
	ListDeployTemplates() ([]*types.DeployTemplate, error)
	UpdateDeployTemplate(t *types.DeployTemplate) error
	DeleteDeployTemplate(uuid string) error
	CreateRunbook(r *types.Runbook) error
	GetRunbookByName(name string) (*types.Runbook, error)
	ListRunbooks() ([]*types.Runbook, error)
	UpdateRunbook(r *types.Runbook) error
	DeleteRunbook(uuid string) error

	// Utility
	Close() error
}
