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

// cuContext scopes a client's permission to submit commands to one compute
// unit under a parent hardware context. Guarded by Device.mu.
type cuContext struct {
	id      uint64
	cuIndex uint32
	parent  *hwContext
	owner   *Client
}

// OpenCuContext opens a CU-scoped context under a hardware context. The CU
// index must exist in the aperture table; a miss fails ErrInvalidArgument
// without touching any reference count. A hardware context that does not
// exist, or is owned by another client, fails ErrNotFound.
func (d *Device) OpenCuContext(hwContextID uint64, cuIndex uint32, c *Client) (uint64, error) {
	if _, err := d.apertures.ResolveCu(cuIndex); err != nil {
		return 0, errors.Wrapf(ErrInvalidArgument, "unknown CU index %d", cuIndex)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, ok := d.contexts[hwContextID]
	if !ok || ctx.owner != c {
		return 0, errors.Wrapf(ErrNotFound, "no accessible hardware context %d", hwContextID)
	}

	cu := &cuContext{
		id:      d.allocIDLocked(),
		cuIndex: cuIndex,
		parent:  ctx,
		owner:   c,
	}
	d.cuContexts[cu.id] = cu
	ctx.cuCount++
	d.metrics.cuContexts.Inc()

	klog.V(3).Infof("Opened CU context %d for CU %d under hardware context %d", cu.id, cuIndex, hwContextID)

	return cu.id, nil
}

// CloseCuContext closes an open CU context and drops the parent's reference.
// Closing is not idempotent: an unknown or already-closed id fails
// ErrNotFound.
func (d *Device) CloseCuContext(cuContextID uint64, c *Client) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cu, ok := d.cuContexts[cuContextID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "no CU context %d", cuContextID)
	}
	if cu.owner != c {
		return errors.Wrapf(ErrPermissionDenied, "CU context %d is not owned by %s", cuContextID, c.name)
	}

	delete(d.cuContexts, cuContextID)
	cu.parent.cuCount--
	d.metrics.cuContexts.Dec()

	klog.V(3).Infof("Closed CU context %d", cuContextID)

	return nil
}
