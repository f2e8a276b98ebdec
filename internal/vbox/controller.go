// Package vbox wraps the external VirtualBox-style command-line controller.
// All parsing of the controller's line-oriented output lives here so the rest
// of the system only sees machine names, identifiers and key/value maps.
package vbox

import (
	"context"
	"strings"
)

// MachineInfo pairs a machine's display name with its opaque identifier as
// reported by the controller.
type MachineInfo struct {
	Name string
	ID   string
}

// Controller is the narrow surface the lifecycle controller and machine
// registry need from the hypervisor CLI.
type Controller interface {
	// ListInstalled returns every machine registered with the controller.
	ListInstalled(ctx context.Context) ([]MachineInfo, error)

	// ListRunning returns the machines currently powered on.
	ListRunning(ctx context.Context) ([]MachineInfo, error)

	// Start powers a machine on, headless or with an attached display.
	Start(ctx context.Context, id string, headless bool) error

	// PowerButton sends a graceful ACPI power-button signal.
	PowerButton(ctx context.Context, id string) error

	// ShowInfo returns the machine's configuration as a key/value map.
	ShowInfo(ctx context.Context, id string) (map[string]string, error)
}

// FindByName returns the first machine whose name contains the given
// substring, or false when no machine matches.
func FindByName(machines []MachineInfo, substring string) (MachineInfo, bool) {
	if substring == "" {
		return MachineInfo{}, false
	}
	for _, machine := range machines {
		if strings.Contains(machine.Name, substring) {
			return machine, true
		}
	}
	return MachineInfo{}, false
}
