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
	"k8s.io/klog/v2"
)

// Client represents one connected execution context, typically one control
// connection. Every context-mutating operation is checked against the
// owning client.
type Client struct {
	id   uint64
	name string

	// isolated flips when the client creates its first hardware context
	// and permanently closes the legacy submission path. Guarded by
	// Device.mu.
	isolated bool
}

// Name returns the client's display name.
func (c *Client) Name() string {
	return c.name
}

// NewClient registers a new client on the device.
func (d *Device) NewClient(name string) *Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := &Client{id: d.allocIDLocked(), name: name}
	d.clients[c.id] = c

	klog.V(3).Infof("Registered client %s (%d)", name, c.id)

	return c
}

// DisconnectClient releases everything the client owns: first all its CU
// contexts, then all its hardware contexts, in arbitrary order. Outstanding
// commands keep blocking reprogramming through the slots' orphaned-command
// counts.
func (d *Device) DisconnectClient(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, cu := range d.cuContexts {
		if cu.owner != c {
			continue
		}
		delete(d.cuContexts, id)
		cu.parent.cuCount--
		d.metrics.cuContexts.Dec()
	}
	for _, ctx := range d.contexts {
		if ctx.owner != c {
			continue
		}
		d.removeContextLocked(ctx)
	}
	delete(d.clients, c.id)

	klog.V(3).Infof("Disconnected client %s (%d)", c.name, c.id)
}
