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
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ContextHandle identifies a hardware context. The generation makes the
// handle versioned: a handle to a destroyed context never aliases a later
// one, so destroy/submit races are detected instead of dereferencing reused
// state.
type ContextHandle struct {
	ID         uint64
	Generation uint64
}

// hwContext is a client's binding to a loaded bitstream slot. All fields are
// guarded by Device.mu.
type hwContext struct {
	id          uint64
	generation  uint64
	slot        *slot
	slotVersion uint64
	uuid        string
	owner       *Client
	cuCount     int
	outstanding int
}

// CreateContext binds a new hardware context to a slot. The imageUUID must
// name the bitstream currently loaded on the slot; a mismatch means the slot
// was reprogrammed between load and create and fails ErrNotFound. The
// identity check and the live-context increment are atomic with respect to
// the slot, so a concurrent LoadBitstream either sees the context or has
// already invalidated the identity.
func (d *Device) CreateContext(slotID int, c *Client, imageUUID string) (ContextHandle, error) {
	if slotID < 0 || slotID >= len(d.slots) {
		return ContextHandle{}, errors.Wrapf(ErrInvalidArgument, "slot %d out of range", slotID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.slots[slotID]

	s.mu.Lock()
	if s.state != SlotLoaded || s.uuid != imageUUID {
		state, cur := s.state, s.uuid
		s.mu.Unlock()

		return ContextHandle{}, errors.Wrapf(ErrNotFound,
			"slot %d does not hold bitstream %s (state %s, loaded %q)", slotID, imageUUID, state, cur)
	}
	s.liveContexts++
	version := s.version
	s.mu.Unlock()

	ctx := &hwContext{
		id:          d.allocIDLocked(),
		generation:  d.allocIDLocked(),
		slot:        s,
		slotVersion: version,
		uuid:        imageUUID,
		owner:       c,
	}
	d.contexts[ctx.id] = ctx
	c.isolated = true
	d.metrics.liveContexts.Inc()

	klog.V(3).Infof("Created hardware context %d on slot %d for %s", ctx.id, slotID, c.name)

	return ContextHandle{ID: ctx.id, Generation: ctx.generation}, nil
}

// DestroyContext tears down a hardware context. Open CU contexts must be
// closed first; leftovers fail ErrResourceBusy rather than being closed on
// the caller's behalf, keeping command accounting explicit. Commands still
// outstanding in the scheduler migrate to the slot's orphaned-command count.
func (d *Device) DestroyContext(contextID uint64, c *Client) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, ok := d.contexts[contextID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "no hardware context %d", contextID)
	}
	if ctx.owner != c {
		return errors.Wrapf(ErrPermissionDenied, "hardware context %d is not owned by %s", contextID, c.name)
	}
	if ctx.cuCount > 0 {
		return errors.Wrapf(ErrResourceBusy, "hardware context %d has %d open CU contexts", contextID, ctx.cuCount)
	}

	d.removeContextLocked(ctx)

	return nil
}

// removeContextLocked unlinks a context and migrates its outstanding
// commands to the slot's orphaned-command count. Caller holds d.mu and has
// verified there are no open CU contexts.
func (d *Device) removeContextLocked(ctx *hwContext) {
	delete(d.contexts, ctx.id)

	s := ctx.slot
	s.mu.Lock()
	s.liveContexts--
	s.orphanedCmds += ctx.outstanding
	s.mu.Unlock()

	d.metrics.liveContexts.Dec()
	if ctx.outstanding > 0 {
		d.metrics.orphanedCommands.Add(float64(ctx.outstanding))
		klog.V(2).Infof("Hardware context %d destroyed with %d commands outstanding on slot %d",
			ctx.id, ctx.outstanding, s.id)
	} else {
		klog.V(3).Infof("Destroyed hardware context %d on slot %d", ctx.id, s.id)
	}
}
