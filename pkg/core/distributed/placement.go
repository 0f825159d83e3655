// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceNum identifies one of the devices available to the process.
type DeviceNum int

// String implements fmt.Stringer.
func (d DeviceNum) String() string {
	return fmt.Sprintf("device:%d", int(d))
}

// NumHostDevices returns the number of devices the host exposes for replicas: one per CPU core.
func NumHostDevices() int {
	return runtime.NumCPU()
}

// PlacementOptions configures Place.
type PlacementOptions struct {
	// AllowSoftPlacement lets more replicas than available devices be placed, by sharing devices
	// round-robin. Otherwise Place fails.
	AllowSoftPlacement bool

	// LogDevicePlacement logs the device assigned to each replica.
	LogDevicePlacement bool
}

// Placement maps each replica to the device it runs on.
type Placement struct {
	// Mesh is the 1D replica mesh.
	Mesh *DeviceMesh

	// Devices[i] is the device of replica i.
	Devices []DeviceNum

	// Soft is true if some replicas share a device.
	Soft bool
}

// NumReplicas returns the number of replicas placed.
func (p *Placement) NumReplicas() int {
	return len(p.Devices)
}

// Place assigns numReplicas replicas to the numAvailable devices: replica i goes to device i.
//
// If there are more replicas than devices, it either wraps around the available devices (with
// AllowSoftPlacement), or returns an error.
func Place(numReplicas, numAvailable int, opts PlacementOptions) (*Placement, error) {
	if numReplicas <= 0 {
		return nil, errors.Errorf("number of replicas must be > 0, got %d", numReplicas)
	}
	if numAvailable <= 0 {
		return nil, errors.Errorf("no devices available for %d replicas", numReplicas)
	}
	mesh, err := NewReplicaMesh(numReplicas)
	if err != nil {
		return nil, err
	}
	p := &Placement{Mesh: mesh, Devices: make([]DeviceNum, numReplicas)}
	if numReplicas > numAvailable {
		if !opts.AllowSoftPlacement {
			return nil, errors.Errorf("%d replicas requested but only %d devices available, "+
				"enable soft placement to share devices", numReplicas, numAvailable)
		}
		p.Soft = true
		klog.Warningf("Soft placement: %d replicas sharing %d devices", numReplicas, numAvailable)
	}
	for replica := range numReplicas {
		p.Devices[replica] = DeviceNum(replica % numAvailable)
	}
	if !p.Soft {
		if err := mesh.SetLogicalDeviceAssignment(p.Devices...); err != nil {
			return nil, err
		}
	}
	if opts.LogDevicePlacement {
		for replica, device := range p.Devices {
			klog.Infof("replica %d placed on %s", replica, device)
		}
	}
	return p, nil
}
