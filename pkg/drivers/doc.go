// Package drivers defines the pluggable driver interfaces (power, boot,
// deploy, management, and the optional capabilities) and the registry that
// resolves a hardware-type name into a composed HardwareType, a capability
// table rather than an inheritance chain. The conductor dispatches all hardware
// work through these interfaces and never implements them itself.
package drivers
