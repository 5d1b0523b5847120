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

// submission tracks one forwarded command so its completion can be routed
// back to the owning context, or to the slot's orphaned count once the
// context is gone.
type submission struct {
	ctxID uint64
	slot  *slot
}

// Submit forwards an execution buffer to the command scheduler. With a
// non-zero handle the referenced context must still be live; a stale handle
// fails ErrInvalidState. A zero handle selects the legacy global path, which
// is only permitted while the client has never created a hardware context.
func (d *Device) Submit(h ContextHandle, payload []byte, c *Client) (uint64, error) {
	if len(payload) == 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "empty command buffer")
	}

	d.mu.Lock()

	if h.ID == 0 {
		if c.isolated {
			d.mu.Unlock()
			return 0, errors.Wrapf(ErrInvalidState,
				"client %s uses per-context isolation, legacy submission not permitted", c.name)
		}
		sub := d.allocIDLocked()
		d.mu.Unlock()

		// Legacy commands predate slot identity and are not tracked
		// against any slot.
		if err := d.scheduler.Submit(Command{Submission: sub, SlotID: -1, Payload: payload}); err != nil {
			return 0, errors.Wrapf(ErrDeviceError, "scheduler rejected command: %v", err)
		}
		d.metrics.commandsSubmitted.Inc()

		return sub, nil
	}

	ctx, ok := d.contexts[h.ID]
	if !ok || ctx.generation != h.Generation {
		d.mu.Unlock()
		return 0, errors.Wrapf(ErrInvalidState, "hardware context %d is gone", h.ID)
	}
	ctx.outstanding++
	sub := d.allocIDLocked()
	d.inflight[sub] = &submission{ctxID: h.ID, slot: ctx.slot}
	cmd := Command{Submission: sub, SlotID: ctx.slot.id, ContextID: h.ID, Payload: payload}
	d.mu.Unlock()

	if err := d.scheduler.Submit(cmd); err != nil {
		// Undo the accounting as if the command completed; the context
		// may have been destroyed while the scheduler was called.
		d.settleSubmission(sub)
		return 0, errors.Wrapf(ErrDeviceError, "scheduler rejected command: %v", err)
	}
	d.metrics.commandsSubmitted.Inc()

	return sub, nil
}

// CommandCompleted is the completion callback for the command scheduler. It
// must be called exactly once per accepted command, no earlier than the
// command's actual completion on the hardware.
func (d *Device) CommandCompleted(submissionHandle uint64) {
	if d.settleSubmission(submissionHandle) {
		d.metrics.commandsCompleted.Inc()
	}
}

// settleSubmission drops one in-flight record, decrementing either the live
// context's outstanding count or, if the context is already destroyed, the
// slot's orphaned-command count.
func (d *Device) settleSubmission(submissionHandle uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.inflight[submissionHandle]
	if !ok {
		klog.V(4).Infof("Completion for unknown submission %d", submissionHandle)
		return false
	}
	delete(d.inflight, submissionHandle)

	if ctx, live := d.contexts[rec.ctxID]; live {
		ctx.outstanding--
		return true
	}

	rec.slot.mu.Lock()
	rec.slot.orphanedCmds--
	rec.slot.mu.Unlock()
	d.metrics.orphanedCommands.Dec()

	return true
}
