// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the device topology used by the replicated training loop:
// device numbers, the replica DeviceMesh and the Placement of replicas onto devices.
package distributed

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gomlx/towers/pkg/support/sets"
	"github.com/pkg/errors"
)

// ReplicaAxis is the name of the only axis of the mesh created by NewReplicaMesh.
const ReplicaAxis = "replica"

// DeviceMesh defines the logical topology of a set of devices: a grid with named axes.
//
// Synchronous data-parallel training uses a 1D mesh with the ReplicaAxis, see NewReplicaMesh.
type DeviceMesh struct {
	axes       []meshAxis
	numDevices int

	// assignment maps the position in the mesh to a physical device. If nil, position i is on device i.
	assignment []DeviceNum
}

type meshAxis struct {
	name string
	size int
}

var validAxisName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewDeviceMesh creates a new logical topology of a set of devices, with one size and one name per axis.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh must have at least one axis")
	}
	m := &DeviceMesh{numDevices: 1}
	for ii, name := range axesNames {
		if !validAxisName.MatchString(name) {
			return nil, errors.Errorf("DeviceMesh axis name %q is not a valid identifier: it must start with an ASCII "+
				"letter and be followed only by letters, numbers or underscore", name)
		}
		if m.axisIndex(name) >= 0 {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[ii] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have a positive size, got %d", name, axesSizes[ii])
		}
		m.axes = append(m.axes, meshAxis{name: name, size: axesSizes[ii]})
		m.numDevices *= axesSizes[ii]
	}
	return m, nil
}

// NewReplicaMesh creates the 1D mesh of numReplicas devices along the ReplicaAxis.
func NewReplicaMesh(numReplicas int) (*DeviceMesh, error) {
	return NewDeviceMesh([]int{numReplicas}, []string{ReplicaAxis})
}

func (m *DeviceMesh) axisIndex(name string) int {
	return slices.IndexFunc(m.axes, func(axis meshAxis) bool { return axis.name == name })
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int { return m.numDevices }

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int { return len(m.axes) }

// AxesNames returns the mesh's axis names, in order.
func (m *DeviceMesh) AxesNames() []string {
	names := make([]string, len(m.axes))
	for ii, axis := range m.axes {
		names[ii] = axis.name
	}
	return names
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx := m.axisIndex(axisName)
	if idx < 0 {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axes[idx].size, nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	parts := make([]string, len(m.axes))
	for ii, axis := range m.axes {
		parts[ii] = fmt.Sprintf("%s: %d", axis.name, axis.size)
	}
	return fmt.Sprintf("DeviceMesh(axesSizes={%s})", strings.Join(parts, ", "))
}

// SetLogicalDeviceAssignment sets the physical device backing each position of the mesh.
//
// The number of devices must be equal to NumDevices(), and the same physical device cannot appear twice.
// Use it only for strict placement: soft placement may share physical devices, see Place.
func (m *DeviceMesh) SetLogicalDeviceAssignment(devices ...DeviceNum) error {
	if len(devices) == 0 {
		m.assignment = nil
		return nil
	}
	if len(devices) != m.numDevices {
		return errors.Errorf("devices must have %d elements, got %d", m.numDevices, len(devices))
	}
	seen := sets.Make[DeviceNum](len(devices))
	for _, device := range devices {
		if device < 0 {
			return errors.Errorf("invalid device number %d", device)
		}
		if seen.Has(device) {
			return errors.Errorf("physical device %s is duplicated in mapping", device)
		}
		seen.Insert(device)
	}
	m.assignment = slices.Clone(devices)
	return nil
}

// LogicalDeviceAssignment returns the physical device of each position in the mesh.
//
// It returns nil if no assignment was set with SetLogicalDeviceAssignment, in which case position i is on device i.
func (m *DeviceMesh) LogicalDeviceAssignment() []DeviceNum {
	return slices.Clone(m.assignment)
}
