// Package machines resolves logical machine names (build engine, emulator)
// to concrete controller identifiers and connection parameters.
package machines

import (
	"fmt"

	"github.com/cochaviz/anvil/arch"
	"github.com/cochaviz/anvil/internal/remote"
)

// Provider selects a machine template set.
type Provider string

const (
	ProviderSailfish Provider = "sailfish"
	ProviderAurora   Provider = "aurora"
)

// ParseProvider returns the canonical Provider for the given string.
func ParseProvider(value string) (Provider, error) {
	switch Provider(value) {
	case ProviderSailfish:
		return ProviderSailfish, nil
	case ProviderAurora:
		return ProviderAurora, nil
	default:
		return "", &ConfigurationError{Reason: fmt.Sprintf("unknown provider %q", value)}
	}
}

// MachineTemplate is the static description of one machine: the logical name
// matched against controller listings, the build target it serves, and the
// connection parameters minus key material. Key paths are filled in during
// discovery; everything else is immutable.
type MachineTemplate struct {
	Name   string
	Target arch.Target
	Conn   remote.ConnectionSpec
}

// ProviderTemplates pairs the two fixed templates of one provider.
type ProviderTemplates struct {
	Engine   MachineTemplate
	Emulator MachineTemplate
}

// ResolvedMachine is a template merged with the discovered controller
// identifier and a verified, non-empty key set.
type ResolvedMachine struct {
	Template MachineTemplate
	ID       string
	Conn     remote.ConnectionSpec
}

// ResolvedPair holds the resolved build engine and emulator of one provider.
type ResolvedPair struct {
	Engine   ResolvedMachine
	Emulator ResolvedMachine
}

// DefaultProviders returns the static provider table. Callers construct it
// once at startup and hand it to the registry; it is not package state.
func DefaultProviders() map[Provider]ProviderTemplates {
	return map[Provider]ProviderTemplates{
		ProviderSailfish: {
			Engine: MachineTemplate{
				Name:   "Sailfish OS Build Engine",
				Target: arch.ARMV7HL,
				Conn: remote.ConnectionSpec{
					Host: "127.0.0.1",
					User: "mersdk",
					Port: 2222,
				},
			},
			Emulator: MachineTemplate{
				Name:   "Sailfish OS Emulator",
				Target: arch.I486,
				Conn: remote.ConnectionSpec{
					Host: "127.0.0.1",
					User: "nemo",
					Port: 2223,
				},
			},
		},
		ProviderAurora: {
			Engine: MachineTemplate{
				Name:   "Aurora Build Engine",
				Target: arch.AArch64,
				Conn: remote.ConnectionSpec{
					Host: "127.0.0.1",
					User: "mersdk",
					Port: 2222,
				},
			},
			Emulator: MachineTemplate{
				Name:   "Aurora OS Emulator",
				Target: arch.AArch64,
				Conn: remote.ConnectionSpec{
					Host: "127.0.0.1",
					User: "defaultuser",
					Port: 2223,
				},
			},
		},
	}
}

// ConfigurationError indicates environment misconfiguration no retry can
// fix: an unknown provider, an unresolvable machine name, a missing shared
// folder or an empty key set.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}
