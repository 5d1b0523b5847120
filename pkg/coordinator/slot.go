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
)

// SlotState is the programming state of one reconfigurable region.
type SlotState int

// Slot states. A slot moves Empty -> Programming -> Loaded on the first
// load, Loaded -> Programming -> Loaded on a swap, and Programming -> Empty
// when programming fails and the fabric content is undefined.
const (
	SlotEmpty SlotState = iota
	SlotProgramming
	SlotLoaded
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotProgramming:
		return "programming"
	case SlotLoaded:
		return "loaded"
	}

	return "unknown"
}

// slot tracks one reconfigurable region of the fabric. The programming lock
// serializes bitstream swaps on the slot; the inner mutex guards the
// identity and the context/command accounting with short critical sections.
type slot struct {
	id int

	// progLock is the slot's exclusive programming lock. A one-slot
	// channel instead of sync.Mutex so acquisition can honor context
	// deadlines.
	progLock chan struct{}

	mu           sync.Mutex
	state        SlotState
	uuid         string
	version      uint64
	liveContexts int
	orphanedCmds int
}

func newSlot(id int) *slot {
	return &slot{
		id:       id,
		progLock: make(chan struct{}, 1),
	}
}

// lockProgramming acquires the slot's exclusive lock, blocking until it is
// available or the context expires.
func (s *slot) lockProgramming(ctx context.Context) error {
	select {
	case s.progLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ErrTimeout, "slot %d: waiting for programming lock: %v", s.id, ctx.Err())
	}
}

func (s *slot) unlockProgramming() {
	<-s.progLock
}

// SlotInfo is a point-in-time snapshot of a slot's state.
type SlotInfo struct {
	ID               int
	State            SlotState
	BitstreamUUID    string
	Version          uint64
	LiveContexts     int
	OrphanedCommands int
}

func (s *slot) info() SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SlotInfo{
		ID:               s.id,
		State:            s.state,
		BitstreamUUID:    s.uuid,
		Version:          s.version,
		LiveContexts:     s.liveContexts,
		OrphanedCommands: s.orphanedCmds,
	}
}
