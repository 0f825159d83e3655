// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/towers/pkg/core/distributed"
	"github.com/gomlx/towers/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Reader gives read access to variable values by their parameter name.
// Snapshot, Tx and View implement it.
type Reader interface {
	// Get returns the value of the variable with the given parameter name.
	Get(parameterName string) (*tensors.Tensor, bool)
}

// Store is an arena of named tensors (the variable values) with an atomic generation counter.
//
// Readers Pin a generation and get an immutable Snapshot: the values of a pinned generation never change.
// There is a single writer at a time (Update), which builds the next generation from the current one and
// publishes it atomically once all its changes are in place. Published tensors are never mutated in
// place: writers always Set new tensors.
type Store struct {
	muWriter sync.Mutex
	current  atomic.Pointer[Snapshot]
}

// Snapshot is an immutable generation of the Store.
type Snapshot struct {
	generation uint64
	values     map[string]*tensors.Tensor
}

// NewStore creates an empty Store at generation 0.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Snapshot{values: make(map[string]*tensors.Tensor)})
	return s
}

// Pin returns the latest published generation.
func (s *Store) Pin() *Snapshot {
	return s.current.Load()
}

// Generation returns the latest published generation number.
func (s *Store) Generation() uint64 {
	return s.current.Load().generation
}

// Update runs fn with a transaction on top of the latest generation. If fn returns nil, all the
// changes made through the transaction are published atomically as the next generation, which is returned.
// If fn returns an error (or panics), nothing is published.
//
// Updates are serialized: there is only one writer at a time.
func (s *Store) Update(fn func(tx *Tx) error) (generation uint64, err error) {
	s.muWriter.Lock()
	defer s.muWriter.Unlock()
	base := s.current.Load()
	tx := &Tx{base: base, values: maps.Clone(base.values)}
	if err = fn(tx); err != nil {
		return base.generation, err
	}
	next := &Snapshot{generation: base.generation + 1, values: tx.values}
	s.current.Store(next)
	return next.generation, nil
}

// Generation of the snapshot.
func (snap *Snapshot) Generation() uint64 {
	return snap.generation
}

// Get implements Reader.
func (snap *Snapshot) Get(parameterName string) (*tensors.Tensor, bool) {
	value, found := snap.values[parameterName]
	return value, found
}

// Len returns the number of values in the snapshot.
func (snap *Snapshot) Len() int {
	return len(snap.values)
}

// Names returns the sorted parameter names in the snapshot.
func (snap *Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(snap.values))
}

// Tx is a Store transaction: it sees its own writes on top of the generation it started from.
type Tx struct {
	base   *Snapshot
	values map[string]*tensors.Tensor
}

// BaseGeneration returns the generation the transaction is built on.
func (tx *Tx) BaseGeneration() uint64 {
	return tx.base.generation
}

// Get implements Reader.
func (tx *Tx) Get(parameterName string) (*tensors.Tensor, bool) {
	value, found := tx.values[parameterName]
	return value, found
}

// Has returns whether the parameter exists in the transaction.
func (tx *Tx) Has(parameterName string) bool {
	_, found := tx.values[parameterName]
	return found
}

// Set the value of an existing parameter. The shape must match the current value shape.
//
// The tensor is owned by the store after this call, and must not be changed afterward.
func (tx *Tx) Set(parameterName string, value *tensors.Tensor) error {
	current, found := tx.values[parameterName]
	if !found {
		return errors.Errorf("cannot set unknown variable %q", parameterName)
	}
	if !current.Shape().Equal(value.Shape()) {
		return errors.Errorf("cannot set variable %q of shape %s with value of shape %s",
			parameterName, current.Shape(), value.Shape())
	}
	tx.values[parameterName] = value
	return nil
}

// Declare a new parameter with its initial value. It fails if the parameter already exists.
func (tx *Tx) Declare(parameterName string, value *tensors.Tensor) error {
	if _, found := tx.values[parameterName]; found {
		return errors.Errorf("variable %q already declared", parameterName)
	}
	tx.values[parameterName] = value
	return nil
}

// View is the per-device handle a replica uses to read the variables.
//
// A View resolves to the Store's canonical values: it holds no copies. It is pinned at the start of
// each step (see View.Pin), and resolves all reads against that generation until pinned again.
type View struct {
	store  *Store
	device distributed.DeviceNum
	pinned atomic.Pointer[Snapshot]
}

// View returns a new View for the given device, pinned to the current generation.
func (s *Store) View(device distributed.DeviceNum) *View {
	v := &View{store: s, device: device}
	v.pinned.Store(s.Pin())
	return v
}

// Device of the view.
func (v *View) Device() distributed.DeviceNum {
	return v.device
}

// Pin the view to the latest published generation, and returns its number.
func (v *View) Pin() uint64 {
	snap := v.store.Pin()
	v.pinned.Store(snap)
	return snap.generation
}

// PinSnapshot pins the view to a given snapshot of its store.
func (v *View) PinSnapshot(snap *Snapshot) {
	v.pinned.Store(snap)
}

// Generation returns the generation the view is pinned to.
func (v *View) Generation() uint64 {
	return v.pinned.Load().generation
}

// Get implements Reader, resolving against the pinned generation.
func (v *View) Get(parameterName string) (*tensors.Tensor, bool) {
	return v.pinned.Load().Get(parameterName)
}
