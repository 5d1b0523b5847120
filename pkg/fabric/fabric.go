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

// Package fabric implements the physical half of the bitstream loader: it
// pushes a validated raw bitstream into the reconfigurable fabric.
package fabric

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
)

// DevNode programs slots by writing the raw bitstream to a configuration
// device node. The path may contain a %d verb that is replaced by the slot
// id; without one all slots share a single node.
type DevNode struct {
	path string
}

// NewDevNode returns a programmer backed by the given device node path.
func NewDevNode(path string) (*DevNode, error) {
	if path == "" {
		return nil, errors.New("device node path is missing")
	}

	return &DevNode{path: path}, nil
}

func (p *DevNode) nodeFor(slotID int) string {
	if strings.Contains(p.path, "%d") {
		return fmt.Sprintf(p.path, slotID)
	}

	return p.path
}

// Program writes the image's raw bitstream to the slot's device node.
func (p *DevNode) Program(slotID int, image coordinator.Image) error {
	data, err := image.RawBitstreamData()
	if err != nil {
		return errors.Wrap(err, "unable to extract raw bitstream")
	}

	node := p.nodeFor(slotID)
	klog.V(2).Infof("Writing %d bytes of bitstream to %s", len(data), node)

	f, err := os.OpenFile(node, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "can't open configuration node %s", node)
	}
	defer f.Close()

	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "writing bitstream to %s failed", node)
	}

	return nil
}
