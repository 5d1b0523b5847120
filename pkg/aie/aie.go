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

// Package aie manages AI-engine array partitions. Partition bookkeeping is
// self-contained and never touches the slot/context state machine.
package aie

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
)

// Partition is one requested column range of the AI-engine array.
type Partition struct {
	PartitionID  uint32
	StartColumn  uint32
	NumColumns   uint32
	FrequencyMHz uint64
}

// Manager tracks AI-engine partition requests for one device.
type Manager struct {
	mu         sync.Mutex
	nextHandle uint64
	partitions map[uint32]*Partition
}

// NewManager creates an empty partition manager.
func NewManager() *Manager {
	return &Manager{partitions: make(map[uint32]*Partition)}
}

// RequestPartition claims a column range for the given partition id and
// returns a request handle. Column ranges of distinct partitions must not
// overlap.
func (m *Manager) RequestPartition(partitionID, startColumn, numColumns uint32) (uint64, error) {
	if numColumns == 0 {
		return 0, errors.Wrap(coordinator.ErrInvalidArgument, "partition needs at least one column")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.partitions {
		if id == partitionID {
			continue
		}
		if startColumn < p.StartColumn+p.NumColumns && p.StartColumn < startColumn+numColumns {
			return 0, errors.Wrapf(coordinator.ErrResourceBusy,
				"columns [%d, %d) overlap partition %d", startColumn, startColumn+numColumns, id)
		}
	}

	m.partitions[partitionID] = &Partition{
		PartitionID: partitionID,
		StartColumn: startColumn,
		NumColumns:  numColumns,
	}
	m.nextHandle++

	klog.V(3).Infof("AIE partition %d claimed columns [%d, %d)", partitionID, startColumn, startColumn+numColumns)

	return m.nextHandle, nil
}

// SetFrequency records the clock frequency for a requested partition.
func (m *Manager) SetFrequency(partitionID uint32, freqMHz uint64) error {
	if freqMHz == 0 {
		return errors.Wrap(coordinator.ErrInvalidArgument, "frequency must be non-zero")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.partitions[partitionID]
	if !ok {
		return errors.Wrapf(coordinator.ErrNotFound, "no AIE partition %d", partitionID)
	}
	p.FrequencyMHz = freqMHz

	return nil
}

// Reset releases all partitions.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.partitions = make(map[uint32]*Partition)
	klog.V(2).Info("AIE array reset, all partitions released")

	return nil
}

// Partitions returns a snapshot of the requested partitions.
func (m *Manager) Partitions() []Partition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		out = append(out, *p)
	}

	return out
}
