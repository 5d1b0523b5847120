// Copyright 2024 The fpga-coordinator Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// Device is the root coordination object for one FPGA accelerator. It owns
// the slot table, the aperture table and the context registries. All methods
// are safe for concurrent use from any number of clients.
//
// Lock ordering: Device.mu before slot.mu, never the reverse. The slot
// programming lock is only ever held without Device.mu.
type Device struct {
	slots      []*slot
	apertures  *ApertureTable
	programmer Programmer
	scheduler  CommandScheduler
	metrics    *Metrics

	mu             sync.Mutex
	clients        map[uint64]*Client
	contexts       map[uint64]*hwContext
	cuContexts     map[uint64]*cuContext
	inflight       map[uint64]*submission
	readOnlyRanges map[uint32]CuRange
	nextID         uint64
}

// CuRange is a read-only register range within a CU aperture.
type CuRange struct {
	Start uint64
	Size  uint64
}

// NewDevice creates a device with numSlots reconfigurable slots. The
// aperture table may be empty but not nil. A nil registerer leaves the
// metrics unregistered.
func NewDevice(numSlots int, apertures *ApertureTable, programmer Programmer,
	scheduler CommandScheduler, reg prometheus.Registerer) (*Device, error) {
	if numSlots <= 0 {
		return nil, errors.Errorf("invalid slot count %d", numSlots)
	}
	if apertures == nil || programmer == nil || scheduler == nil {
		return nil, errors.New("aperture table, programmer and scheduler are required")
	}

	d := &Device{
		slots:          make([]*slot, numSlots),
		apertures:      apertures,
		programmer:     programmer,
		scheduler:      scheduler,
		metrics:        NewMetrics(reg),
		clients:        make(map[uint64]*Client),
		contexts:       make(map[uint64]*hwContext),
		cuContexts:     make(map[uint64]*cuContext),
		inflight:       make(map[uint64]*submission),
		readOnlyRanges: make(map[uint32]CuRange),
	}
	for i := range d.slots {
		d.slots[i] = newSlot(i)
	}

	return d, nil
}

// Slots returns the number of slots on the device.
func (d *Device) Slots() int {
	return len(d.slots)
}

// SlotInfo returns a snapshot of the given slot.
func (d *Device) SlotInfo(slotID int) (SlotInfo, error) {
	if slotID < 0 || slotID >= len(d.slots) {
		return SlotInfo{}, errors.Wrapf(ErrInvalidArgument, "slot %d out of range", slotID)
	}

	return d.slots[slotID].info(), nil
}

// allocIDLocked hands out device-unique ids. Ids are never reused, which is
// what makes stale handle detection reliable. Caller holds d.mu.
func (d *Device) allocIDLocked() uint64 {
	d.nextID++
	return d.nextID
}

// LoadBitstream validates and programs an image onto a slot. A slotHint of
// -1 lets the device pick: a slot already holding the same bitstream wins,
// then the first empty slot. The call blocks on the slot's programming lock
// until it is acquired or ctx expires. While the lock is held no context may
// start referencing the slot's old or new bitstream.
func (d *Device) LoadBitstream(ctx context.Context, slotHint int, img Image, c *Client) (int, error) {
	if img == nil {
		return -1, errors.Wrap(ErrInvalidArgument, "no bitstream image")
	}
	uuid := img.UUID()
	if uuid == "" {
		return -1, errors.Wrap(ErrInvalidArgument, "bitstream image has no UUID")
	}

	s, err := d.pickSlot(slotHint, uuid)
	if err != nil {
		return -1, err
	}

	if err := s.lockProgramming(ctx); err != nil {
		return -1, err
	}
	defer s.unlockProgramming()

	s.mu.Lock()
	if s.liveContexts > 0 {
		n := s.liveContexts
		s.mu.Unlock()
		return -1, errors.Wrapf(ErrResourceBusy, "slot %d has %d live contexts", s.id, n)
	}
	if s.orphanedCmds > 0 {
		n := s.orphanedCmds
		s.mu.Unlock()
		return -1, errors.Wrapf(ErrResourceBusy, "slot %d has %d outstanding commands from closed contexts", s.id, n)
	}
	if s.state == SlotLoaded && s.uuid == uuid {
		// Same bitstream, no live references: nothing to reprogram.
		s.mu.Unlock()
		return s.id, nil
	}
	// Entering SlotProgramming invalidates the old identity; context
	// creation fails ErrNotFound until the new identity is committed.
	s.state = SlotProgramming
	s.uuid = ""
	s.mu.Unlock()

	klog.V(2).Infof("Programming bitstream %s onto slot %d", uuid, s.id)

	if err := d.programmer.Program(s.id, img); err != nil {
		s.mu.Lock()
		s.state = SlotEmpty
		s.version++
		s.mu.Unlock()
		d.metrics.loadFailuresTotal.Inc()

		return -1, errors.Wrapf(ErrDeviceError, "slot %d: programming failed: %v", s.id, err)
	}

	s.mu.Lock()
	s.state = SlotLoaded
	s.uuid = uuid
	s.version++
	s.mu.Unlock()
	d.metrics.loadsTotal.Inc()

	return s.id, nil
}

func (d *Device) pickSlot(slotHint int, uuid string) (*slot, error) {
	if slotHint >= len(d.slots) || slotHint < -1 {
		return nil, errors.Wrapf(ErrInvalidArgument, "slot hint %d out of range", slotHint)
	}
	if slotHint >= 0 {
		return d.slots[slotHint], nil
	}
	for _, s := range d.slots {
		if cur := s.info(); cur.State == SlotLoaded && cur.BitstreamUUID == uuid {
			return s, nil
		}
	}
	for _, s := range d.slots {
		if s.info().State == SlotEmpty {
			return s, nil
		}
	}

	return nil, errors.Wrap(ErrResourceBusy, "no empty slot available")
}

// ResolveAperture performs the bidirectional CU aperture lookup. See
// ApertureTable.Resolve for the precedence rules. Read-only and lock-free.
func (d *Device) ResolveAperture(cuIndex int32, physAddr uint64) (ApertureEntry, error) {
	return d.apertures.Resolve(cuIndex, physAddr)
}

// SetCuReadOnlyRange records a read-only register range for a CU. The range
// must lie within the CU's aperture.
func (d *Device) SetCuReadOnlyRange(cuIndex uint32, start, size uint64) error {
	entry, err := d.apertures.ResolveCu(cuIndex)
	if err != nil {
		return errors.Wrapf(ErrInvalidArgument, "unknown CU index %d", cuIndex)
	}
	if size == 0 || start > entry.Size || size > entry.Size-start {
		return errors.Wrapf(ErrInvalidArgument,
			"range [%#x, %#x) outside CU %d aperture of size %#x", start, start+size, cuIndex, entry.Size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOnlyRanges[cuIndex] = CuRange{Start: start, Size: size}

	return nil
}

// CuReadOnlyRange returns the read-only range recorded for a CU, if any.
func (d *Device) CuReadOnlyRange(cuIndex uint32) (CuRange, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.readOnlyRanges[cuIndex]

	return r, ok
}
