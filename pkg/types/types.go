package types

import (
	"time"
)

// ProvisionState represents a node's position in the provisioning lifecycle
type ProvisionState string

const (
	// Enrollment and manageability
	StateEnroll     ProvisionState = "enroll"
	StateVerifying  ProvisionState = "verifying"
	StateManageable ProvisionState = "manageable"
	StateAvailable  ProvisionState = "available"

	// Deployment
	StateDeploying  ProvisionState = "deploying"
	StateDeployWait ProvisionState = "deploy wait"
	StateDeployFail ProvisionState = "deploy failed"
	StateActive     ProvisionState = "active"

	// Cleaning
	StateCleaning  ProvisionState = "cleaning"
	StateCleanWait ProvisionState = "clean wait"
	StateCleanFail ProvisionState = "clean failed"

	// Rescue
	StateRescuing     ProvisionState = "rescuing"
	StateRescueWait   ProvisionState = "rescue wait"
	StateRescue       ProvisionState = "rescue"
	StateRescueFail   ProvisionState = "rescue failed"
	StateUnrescuing   ProvisionState = "unrescuing"
	StateUnrescueFail ProvisionState = "unrescue failed"

	// Tear-down and terminal failure
	StateDeleting ProvisionState = "deleting"
	StateError    ProvisionState = "error"

	// StateNone is the empty target state
	StateNone ProvisionState = ""
)

// PowerState represents the power state of a node, or the action requested
type PowerState string

const (
	PowerOn      PowerState = "power on"
	PowerOff     PowerState = "power off"
	Reboot       PowerState = "rebooting"
	SoftPowerOff PowerState = "soft power off"
	SoftReboot   PowerState = "soft rebooting"

	// PowerNone is the empty target power state
	PowerNone PowerState = ""
)

// Keys into Node.DriverInternalInfo used as operation scratch space.
// They are cleared by the error handlers for the matching phase.
const (
	DeployStepIndexKey       = "deploy_step_index"
	DeploymentRebootKey      = "deployment_reboot"
	DeploymentPollingKey     = "deployment_polling"
	SkipCurrentDeployStepKey = "skip_current_deploy_step"
	DeployStepsKey           = "deploy_steps"

	CleanStepIndexKey       = "clean_step_index"
	CleaningRebootKey       = "cleaning_reboot"
	CleaningPollingKey      = "cleaning_polling"
	SkipCurrentCleanStepKey = "skip_current_clean_step"
	CleanStepsKey           = "clean_steps"

	AgentURLKey                = "agent_url"
	AgentTokenKey              = "agent_secret_token"
	AgentTokenPregeneratedKey  = "agent_secret_token_pregenerated"
	AgentLastHeartbeatKey      = "agent_last_heartbeat"
	LastPowerStateChangeKey    = "last_power_state_change"
)

// Node is a managed physical server record. Reservation holds the hostname
// of the conductor currently holding this node's exclusive lock; an empty
// string means the node is unlocked. DriverInternalInfo is scratch space
// mutated only by the conductor holding the lock.
type Node struct {
	UUID                 string
	Name                 string
	Driver               string
	ConductorGroup       string
	PowerState           PowerState
	TargetPowerState     PowerState
	ProvisionState       ProvisionState
	TargetProvisionState ProvisionState
	Reservation          string
	Maintenance          bool
	MaintenanceReason    string
	LastError            string
	DriverInfo           map[string]string
	DriverInternalInfo   map[string]interface{}
	Properties           map[string]string
	InstanceUUID         string
	ResourceClass        string
	Traits               []string
	CleanStep            *Step
	DeployStep           *Step
	Owner                string
	ProvisionUpdatedAt   time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SetDriverInternal sets a scratch key, allocating the map if needed.
func (n *Node) SetDriverInternal(key string, value interface{}) {
	if n.DriverInternalInfo == nil {
		n.DriverInternalInfo = make(map[string]interface{})
	}
	n.DriverInternalInfo[key] = value
}

// DelDriverInternal removes the given scratch keys. Missing keys are ignored.
func (n *Node) DelDriverInternal(keys ...string) {
	for _, key := range keys {
		delete(n.DriverInternalInfo, key)
	}
}

// DriverInternalString returns a scratch value as a string, or "" when the
// key is absent or not a string.
func (n *Node) DriverInternalString(key string) string {
	if v, ok := n.DriverInternalInfo[key].(string); ok {
		return v
	}
	return ""
}

// DriverInternalBool returns a scratch value as a bool, false when absent.
func (n *Node) DriverInternalBool(key string) bool {
	v, _ := n.DriverInternalInfo[key].(bool)
	return v
}

// DriverInternalTime parses a scratch value stored as an RFC3339 string.
// The zero time is returned when the key is absent or malformed.
func (n *Node) DriverInternalTime(key string) time.Time {
	s := n.DriverInternalString(key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// HasTrait reports whether the node carries the given trait.
func (n *Node) HasTrait(trait string) bool {
	for _, t := range n.Traits {
		if t == trait {
			return true
		}
	}
	return false
}

// Port is a NIC attachment record owned by a node
type Port struct {
	UUID            string
	NodeUUID        string
	Address         string // MAC address
	PhysicalNetwork string
	PXEEnabled      bool
	PortgroupUUID   string
	Extra           map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Portgroup aggregates ports under bonding semantics. All member ports must
// share a physical network, or leave it unset.
type Portgroup struct {
	UUID                     string
	NodeUUID                 string
	Name                     string
	Address                  string
	Mode                     string // bonding mode, e.g. "active-backup"
	StandalonePortsSupported bool
	Properties               map[string]string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Step is one unit of an ordered list of hardware configuration actions
// executed during cleaning or deployment.
type Step struct {
	Interface string                 `yaml:"interface"`
	Step      string                 `yaml:"step"`
	Args      map[string]interface{} `yaml:"args,omitempty"`
	Priority  int                    `yaml:"priority"`
}

// DeployTemplate is a named, ordered set of steps applied during deployment
// to nodes whose traits include the template name.
type DeployTemplate struct {
	UUID      string
	Name      string
	Steps     []*Step
	Extra     map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunbookStep is a step within a runbook, ordered by the Order field rather
// than by priority.
type RunbookStep struct {
	Interface string                 `yaml:"interface"`
	Step      string                 `yaml:"step"`
	Args      map[string]interface{} `yaml:"args,omitempty"`
	Order     int                    `yaml:"order"`
}

// Runbook is a curated list of steps run against a node during cleaning.
type Runbook struct {
	UUID      string
	Name      string
	Steps     []*RunbookStep
	Public    bool
	Owner     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HistorySeverity classifies node history entries
type HistorySeverity string

const (
	HistoryInfo    HistorySeverity = "info"
	HistoryWarning HistorySeverity = "warning"
	HistoryError   HistorySeverity = "error"
)

// NodeHistory is an append-only audit log entry for a node. Entries are
// destroyed together with the node.
type NodeHistory struct {
	UUID      string
	NodeUUID  string
	Event     string
	EventType string
	Severity  HistorySeverity
	Conductor string
	User      string
	CreatedAt time.Time
}

// AllocationState represents the lifecycle state of an allocation
type AllocationState string

const (
	AllocationAllocating AllocationState = "allocating"
	AllocationActive     AllocationState = "active"
	AllocationError      AllocationState = "error"
)

// Allocation is a request for a node matching resource-class/traits
// criteria. It starts allocating and ends active (bound to a node) or error.
type Allocation struct {
	UUID           string
	Name           string
	ResourceClass  string
	Traits         []string
	CandidateNodes []string
	NodeUUID       string
	State          AllocationState
	LastError      string
	Owner          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Conductor is a registered conductor process. UpdatedAt is the heartbeat
// timestamp used for online/offline classification.
type Conductor struct {
	Hostname       string
	HardwareTypes  []string
	ConductorGroup string
	RegisteredAt   time.Time
	UpdatedAt      time.Time
}
