// Package fake implements the fake-hardware type: an in-memory driver with
// no hardware behind it. It backs unit tests and lets operators enroll
// nodes before their management credentials are known.
package fake

import (
	"context"
	"sync"

	"github.com/ferrumproject/ferrum/pkg/drivers"
	"github.com/ferrumproject/ferrum/pkg/types"
)

// HardwareTypeName is the registry name of the fake driver
const HardwareTypeName = "fake-hardware"

// Hardware tracks the simulated state shared by all fake interfaces. Every
// hardware call is recorded so tests can assert on what was invoked.
type Hardware struct {
	mu          sync.Mutex
	powerStates map[string]types.PowerState
	bootDevices map[string]string
	calls       []string

	// Error hooks let tests force specific failures
	PowerStateErr    error
	SetPowerErr      error
	RebootErr        error
	DeployErr        error
	DeployResult     drivers.StepResult
	CleanUpErr       error
	TearDownCleanErr error
	RescueCleanUpErr error
	StepResult       drivers.StepResult
	StepErr          error
}

// NewHardware creates the shared fake state with everything powered off
func NewHardware() *Hardware {
	return &Hardware{
		powerStates:  make(map[string]types.PowerState),
		bootDevices:  make(map[string]string),
		DeployResult: drivers.StepWait,
		StepResult:   drivers.StepDone,
	}
}

// HardwareType composes the fake interfaces into a registrable driver
func HardwareType(hw *Hardware) *drivers.HardwareType {
	return &drivers.HardwareType{
		Name:       HardwareTypeName,
		Power:      &Power{hw: hw},
		Boot:       &Boot{hw: hw},
		Deploy:     &Deploy{hw: hw},
		Management: &Management{hw: hw},
		Inspect:    &Inspect{hw: hw},
		Storage:    &Storage{hw: hw},
		Rescue:     &Rescue{hw: hw},
	}
}

// SetPowerState primes the simulated power state for a node
func (h *Hardware) SetPowerState(uuid string, state types.PowerState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.powerStates[uuid] = state
}

// Calls returns the recorded hardware invocations in order
func (h *Hardware) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many times the named call was recorded
func (h *Hardware) CallCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (h *Hardware) record(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
}

type base struct{}

func (base) Validate(ctx context.Context, node *types.Node) error { return nil }
func (base) Properties() map[string]string                        { return map[string]string{} }

// Power is the fake power interface
type Power struct {
	base
	hw *Hardware
}

func (p *Power) PowerState(ctx context.Context, node *types.Node) (types.PowerState, error) {
	p.hw.record("power.get")
	if p.hw.PowerStateErr != nil {
		return types.PowerNone, p.hw.PowerStateErr
	}
	p.hw.mu.Lock()
	defer p.hw.mu.Unlock()
	if s, ok := p.hw.powerStates[node.UUID]; ok {
		return s, nil
	}
	return types.PowerOff, nil
}

func (p *Power) SetPowerState(ctx context.Context, node *types.Node, target types.PowerState) error {
	p.hw.record("power.set")
	if p.hw.SetPowerErr != nil {
		return p.hw.SetPowerErr
	}
	p.hw.SetPowerState(node.UUID, target)
	return nil
}

func (p *Power) Reboot(ctx context.Context, node *types.Node) error {
	p.hw.record("power.reboot")
	if p.hw.RebootErr != nil {
		return p.hw.RebootErr
	}
	p.hw.SetPowerState(node.UUID, types.PowerOn)
	return nil
}

// Boot is the fake boot interface
type Boot struct {
	base
	hw *Hardware
}

func (b *Boot) PrepareRamdisk(ctx context.Context, node *types.Node) error {
	b.hw.record("boot.prepare_ramdisk")
	return nil
}

func (b *Boot) CleanUpRamdisk(ctx context.Context, node *types.Node) error {
	b.hw.record("boot.clean_up_ramdisk")
	return nil
}

func (b *Boot) PrepareInstance(ctx context.Context, node *types.Node) error {
	b.hw.record("boot.prepare_instance")
	return nil
}

func (b *Boot) CleanUpInstance(ctx context.Context, node *types.Node) error {
	b.hw.record("boot.clean_up_instance")
	return nil
}

// Deploy is the fake deploy interface
type Deploy struct {
	base
	hw *Hardware
}

func (d *Deploy) Prepare(ctx context.Context, node *types.Node) error {
	d.hw.record("deploy.prepare")
	return nil
}

func (d *Deploy) Deploy(ctx context.Context, node *types.Node) (drivers.StepResult, error) {
	d.hw.record("deploy.deploy")
	if d.hw.DeployErr != nil {
		return "", d.hw.DeployErr
	}
	return d.hw.DeployResult, nil
}

func (d *Deploy) TearDown(ctx context.Context, node *types.Node) error {
	d.hw.record("deploy.tear_down")
	return nil
}

func (d *Deploy) CleanUp(ctx context.Context, node *types.Node) error {
	d.hw.record("deploy.clean_up")
	return d.hw.CleanUpErr
}

func (d *Deploy) PrepareCleaning(ctx context.Context, node *types.Node) (drivers.StepResult, error) {
	d.hw.record("deploy.prepare_cleaning")
	return drivers.StepDone, nil
}

func (d *Deploy) TearDownCleaning(ctx context.Context, node *types.Node) error {
	d.hw.record("deploy.tear_down_cleaning")
	return d.hw.TearDownCleanErr
}

func (d *Deploy) ExecuteStep(ctx context.Context, node *types.Node, step *types.Step) (drivers.StepResult, error) {
	d.hw.record("deploy.step." + step.Step)
	if d.hw.StepErr != nil {
		return "", d.hw.StepErr
	}
	return d.hw.StepResult, nil
}

// Management is the fake management interface
type Management struct {
	base
	hw *Hardware
}

func (m *Management) BootDevices(ctx context.Context, node *types.Node) ([]string, error) {
	return []string{"pxe", "disk"}, nil
}

func (m *Management) BootDevice(ctx context.Context, node *types.Node) (string, error) {
	m.hw.mu.Lock()
	defer m.hw.mu.Unlock()
	if d, ok := m.hw.bootDevices[node.UUID]; ok {
		return d, nil
	}
	return "disk", nil
}

func (m *Management) SetBootDevice(ctx context.Context, node *types.Node, device string, persistent bool) error {
	m.hw.record("management.set_boot_device")
	m.hw.mu.Lock()
	defer m.hw.mu.Unlock()
	m.hw.bootDevices[node.UUID] = device
	return nil
}

func (m *Management) ExecuteStep(ctx context.Context, node *types.Node, step *types.Step) (drivers.StepResult, error) {
	m.hw.record("management.step." + step.Step)
	if m.hw.StepErr != nil {
		return "", m.hw.StepErr
	}
	return m.hw.StepResult, nil
}

// Inspect is the fake inspect interface
type Inspect struct {
	base
	hw *Hardware
}

func (i *Inspect) Inspect(ctx context.Context, node *types.Node) error {
	i.hw.record("inspect.inspect")
	return nil
}

// Storage is the fake storage interface
type Storage struct {
	base
	hw *Hardware
}

func (s *Storage) AttachVolumes(ctx context.Context, node *types.Node) error {
	s.hw.record("storage.attach")
	return nil
}

func (s *Storage) DetachVolumes(ctx context.Context, node *types.Node) error {
	s.hw.record("storage.detach")
	return nil
}

// Rescue is the fake rescue interface
type Rescue struct {
	base
	hw *Hardware
}

func (r *Rescue) Rescue(ctx context.Context, node *types.Node) (drivers.StepResult, error) {
	r.hw.record("rescue.rescue")
	return drivers.StepWait, nil
}

func (r *Rescue) Unrescue(ctx context.Context, node *types.Node) error {
	r.hw.record("rescue.unrescue")
	return nil
}

func (r *Rescue) CleanUp(ctx context.Context, node *types.Node) error {
	r.hw.record("rescue.clean_up")
	return r.hw.RescueCleanUpErr
}
