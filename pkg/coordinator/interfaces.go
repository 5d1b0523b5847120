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

// Image is a validated bitstream container as seen by the coordinator. The
// xclbin package provides the canonical implementation.
type Image interface {
	// UUID returns the normalized unique identity of the bitstream.
	UUID() string
	// RawBitstreamData returns the raw fabric image.
	RawBitstreamData() ([]byte, error)
}

// Programmer programs a validated bitstream onto one slot of the fabric. It
// is the physical half of the bitstream loader and external to the
// coordinator; implementations live in the fabric package.
type Programmer interface {
	Program(slotID int, image Image) error
}

// Command is one execution request forwarded to the command scheduler,
// stamped with the identity of the slot and hardware context it was
// submitted under. Legacy submissions carry SlotID -1 and ContextID 0.
type Command struct {
	// Submission is the handle the gateway assigned to this command.
	// Completion must be reported back with the same value.
	Submission uint64
	SlotID     int
	ContextID  uint64
	Payload    []byte
}

// CommandScheduler dispatches commands to compute units. It owns all retry,
// backpressure and completion semantics; the coordinator only requires that
// Device.CommandCompleted is called once per accepted command, no earlier
// than actual completion.
type CommandScheduler interface {
	Submit(cmd Command) error
}
