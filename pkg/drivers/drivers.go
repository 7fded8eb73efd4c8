package drivers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ferrumproject/ferrum/pkg/types"
)

// OperationError is a hardware operation failure whose message is safe to
// surface to operators verbatim (as opposed to arbitrary wrapped errors,
// which the error handlers replace with a generic sentinel).
type OperationError struct {
	Msg string
}

func (e *OperationError) Error() string { return e.Msg }

// Interface is the base contract every driver interface satisfies
type Interface interface {
	// Validate checks that the node's driver_info is sufficient to use
	// this interface.
	Validate(ctx context.Context, node *types.Node) error
	// Properties describes the driver_info fields this interface consumes.
	Properties() map[string]string
}

// StepResult reports how a clean/deploy step finished
type StepResult string

const (
	// StepDone means the step completed synchronously
	StepDone StepResult = "done"
	// StepWait means the step started an asynchronous operation and the
	// node should move to the corresponding wait state.
	StepWait StepResult = "wait"
)

// StepRunner is implemented by interfaces that can execute clean or deploy
// steps dispatched by name.
type StepRunner interface {
	ExecuteStep(ctx context.Context, node *types.Node, step *types.Step) (StepResult, error)
}

// PowerInterface controls node power
type PowerInterface interface {
	Interface
	PowerState(ctx context.Context, node *types.Node) (types.PowerState, error)
	SetPowerState(ctx context.Context, node *types.Node, target types.PowerState) error
	Reboot(ctx context.Context, node *types.Node) error
}

// BootInterface configures how a node boots
type BootInterface interface {
	Interface
	PrepareRamdisk(ctx context.Context, node *types.Node) error
	CleanUpRamdisk(ctx context.Context, node *types.Node) error
	PrepareInstance(ctx context.Context, node *types.Node) error
	CleanUpInstance(ctx context.Context, node *types.Node) error
}

// DeployInterface drives image deployment and tear-down. CleanUp is the
// hook the deploying error handler invokes; PrepareCleaning and
// TearDownCleaning bracket the cleaning phase.
type DeployInterface interface {
	Interface
	Prepare(ctx context.Context, node *types.Node) error
	Deploy(ctx context.Context, node *types.Node) (StepResult, error)
	TearDown(ctx context.Context, node *types.Node) error
	CleanUp(ctx context.Context, node *types.Node) error
	PrepareCleaning(ctx context.Context, node *types.Node) (StepResult, error)
	TearDownCleaning(ctx context.Context, node *types.Node) error
}

// ManagementInterface covers out-of-band management operations
type ManagementInterface interface {
	Interface
	BootDevices(ctx context.Context, node *types.Node) ([]string, error)
	BootDevice(ctx context.Context, node *types.Node) (string, error)
	SetBootDevice(ctx context.Context, node *types.Node, device string, persistent bool) error
}

// InspectInterface pulls hardware inventory from the node
type InspectInterface interface {
	Interface
	Inspect(ctx context.Context, node *types.Node) error
}

// RAIDInterface applies RAID configuration
type RAIDInterface interface {
	Interface
	ApplyConfiguration(ctx context.Context, node *types.Node, config map[string]interface{}) (StepResult, error)
	DeleteConfiguration(ctx context.Context, node *types.Node) error
}

// BIOSInterface applies and resets BIOS settings
type BIOSInterface interface {
	Interface
	ApplySettings(ctx context.Context, node *types.Node, settings map[string]string) (StepResult, error)
	FactoryReset(ctx context.Context, node *types.Node) error
}

// FirmwareInterface updates firmware components
type FirmwareInterface interface {
	Interface
	Update(ctx context.Context, node *types.Node, settings []map[string]string) (StepResult, error)
}

// ConsoleInterface manages remote console sessions
type ConsoleInterface interface {
	Interface
	StartConsole(ctx context.Context, node *types.Node) error
	StopConsole(ctx context.Context, node *types.Node) error
	ConsoleInfo(ctx context.Context, node *types.Node) (map[string]string, error)
}

// VendorInterface exposes vendor passthru methods
type VendorInterface interface {
	Interface
	Passthru(ctx context.Context, node *types.Node, method string, args map[string]interface{}) (interface{}, error)
}

// StorageInterface attaches and detaches external volumes (iSCSI/FC)
// around power transitions.
type StorageInterface interface {
	Interface
	AttachVolumes(ctx context.Context, node *types.Node) error
	DetachVolumes(ctx context.Context, node *types.Node) error
}

// NetworkInterface configures tenant networking for the node's ports
type NetworkInterface interface {
	Interface
	ConfigureTenantNetworks(ctx context.Context, node *types.Node, ports []*types.Port) error
	UnconfigureTenantNetworks(ctx context.Context, node *types.Node, ports []*types.Port) error
}

// RescueInterface boots a node into a rescue ramdisk. CleanUp is the hook
// the rescuing error handler invokes.
type RescueInterface interface {
	Interface
	Rescue(ctx context.Context, node *types.Node) (StepResult, error)
	Unrescue(ctx context.Context, node *types.Node) error
	CleanUp(ctx context.Context, node *types.Node) error
}

// HardwareType is a composed driver: a capability table of interface
// implementations resolved at registration time. Optional capabilities are
// nil when the hardware type does not support them.
type HardwareType struct {
	Name string

	Power      PowerInterface
	Boot       BootInterface
	Deploy     DeployInterface
	Management ManagementInterface
	Inspect    InspectInterface
	RAID       RAIDInterface
	BIOS       BIOSInterface
	Firmware   FirmwareInterface
	Console    ConsoleInterface
	Vendor     VendorInterface
	Storage    StorageInterface
	Network    NetworkInterface
	Rescue     RescueInterface
}

// Interfaces returns the non-nil capabilities by interface name.
func (h *HardwareType) Interfaces() map[string]Interface {
	all := map[string]Interface{
		"power":      h.Power,
		"boot":       h.Boot,
		"deploy":     h.Deploy,
		"management": h.Management,
		"inspect":    h.Inspect,
		"raid":       h.RAID,
		"bios":       h.BIOS,
		"firmware":   h.Firmware,
		"console":    h.Console,
		"vendor":     h.Vendor,
		"storage":    h.Storage,
		"network":    h.Network,
		"rescue":     h.Rescue,
	}
	out := make(map[string]Interface)
	for name, iface := range all {
		if iface != nil {
			out[name] = iface
		}
	}
	return out
}

// StepRunnerFor returns the named interface as a StepRunner, or an error
// when the interface is absent or cannot run steps.
func (h *HardwareType) StepRunnerFor(name string) (StepRunner, error) {
	iface, ok := h.Interfaces()[name]
	if !ok {
		return nil, fmt.Errorf("hardware type %s has no %q interface", h.Name, name)
	}
	runner, ok := iface.(StepRunner)
	if !ok {
		return nil, fmt.Errorf("interface %q of hardware type %s cannot execute steps", name, h.Name)
	}
	return runner, nil
}

// Registry maps hardware-type names to their composed drivers
type Registry struct {
	mu    sync.RWMutex
	types map[string]*HardwareType
}

// NewRegistry creates an empty driver registry
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*HardwareType)}
}

// Register adds a hardware type, verifying the mandatory capabilities
// (power, boot, deploy, management) are present.
func (r *Registry) Register(h *HardwareType) error {
	if h.Name == "" {
		return fmt.Errorf("hardware type requires a name")
	}
	if h.Power == nil || h.Boot == nil || h.Deploy == nil || h.Management == nil {
		return fmt.Errorf("hardware type %s is missing a mandatory interface (power, boot, deploy, management)", h.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[h.Name]; exists {
		return fmt.Errorf("hardware type already registered: %s", h.Name)
	}
	r.types[h.Name] = h
	return nil
}

// Get returns the composed driver for a hardware-type name
func (r *Registry) Get(name string) (*HardwareType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("driver not found: %s", name)
	}
	return h, nil
}

// Names returns the registered hardware-type names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
