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

package control

import (
	"github.com/fxamacker/cbor/v2"
)

// Control operations, one per request record type.
const (
	OpLoadBitstream uint32 = iota + 1
	OpCreateContext
	OpDestroyContext
	OpOpenCuContext
	OpCloseCuContext
	OpSubmit
	OpResolveAperture
	OpInjectError
	OpRequestAiePartition
	OpResetAie
	OpSetAieFrequency
	OpSetCuReadOnlyRange
)

// Request is the envelope for every control request: an operation code and
// the CBOR-encoded argument record for that operation.
type Request struct {
	Op   uint32          `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// Response carries a gRPC status code and, on success, the CBOR-encoded
// result record. Out-parameters are populated only on success.
type Response struct {
	Code    uint32          `cbor:"1,keyasint"`
	Message string          `cbor:"2,keyasint,omitempty"`
	Body    cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// ImageRef names a bitstream either by its installed UUID or by an explicit
// file path. Exactly one must be set.
type ImageRef struct {
	UUID string `cbor:"1,keyasint,omitempty"`
	Path string `cbor:"2,keyasint,omitempty"`
}

// LoadBitstreamRequest programs a bitstream. A SlotHint of -1 lets the
// device choose the slot.
type LoadBitstreamRequest struct {
	SlotHint int32    `cbor:"1,keyasint"`
	Image    ImageRef `cbor:"2,keyasint"`
}

type LoadBitstreamReply struct {
	SlotID int32 `cbor:"1,keyasint"`
}

// CreateContextRequest loads the referenced bitstream and binds a hardware
// context to the resulting slot in one logical request.
type CreateContextRequest struct {
	SlotHint int32    `cbor:"1,keyasint"`
	Image    ImageRef `cbor:"2,keyasint"`
}

type CreateContextReply struct {
	ContextID  uint64 `cbor:"1,keyasint"`
	Generation uint64 `cbor:"2,keyasint"`
	SlotID     int32  `cbor:"3,keyasint"`
}

type DestroyContextRequest struct {
	ContextID uint64 `cbor:"1,keyasint"`
}

type OpenCuContextRequest struct {
	ContextID uint64 `cbor:"1,keyasint"`
	CuIndex   uint32 `cbor:"2,keyasint"`
}

type OpenCuContextReply struct {
	CuContextID uint64 `cbor:"1,keyasint"`
}

type CloseCuContextRequest struct {
	CuContextID uint64 `cbor:"1,keyasint"`
}

// SubmitRequest forwards an execution buffer. ContextID 0 selects the
// legacy global submission path.
type SubmitRequest struct {
	ContextID  uint64 `cbor:"1,keyasint,omitempty"`
	Generation uint64 `cbor:"2,keyasint,omitempty"`
	Commands   []byte `cbor:"3,keyasint"`
}

type SubmitReply struct {
	Submission uint64 `cbor:"1,keyasint"`
}

// ResolveApertureRequest resolves a CU aperture by index (preferred) or by
// physical address. CuIndex -1 means absent.
type ResolveApertureRequest struct {
	CuIndex  int32  `cbor:"1,keyasint"`
	PhysAddr uint64 `cbor:"2,keyasint,omitempty"`
}

type ResolveApertureReply struct {
	ApertureIndex int32  `cbor:"1,keyasint"`
	CuIndex       int32  `cbor:"2,keyasint"`
	PhysAddr      uint64 `cbor:"3,keyasint"`
	Size          uint64 `cbor:"4,keyasint"`
}

// InjectErrorRequest is privileged.
type InjectErrorRequest struct {
	Kind   uint32 `cbor:"1,keyasint"`
	Module uint32 `cbor:"2,keyasint"`
}

type RequestAiePartitionRequest struct {
	PartitionID uint32 `cbor:"1,keyasint"`
	StartColumn uint32 `cbor:"2,keyasint"`
	NumColumns  uint32 `cbor:"3,keyasint"`
}

type RequestAiePartitionReply struct {
	Handle uint64 `cbor:"1,keyasint"`
}

type SetAieFrequencyRequest struct {
	PartitionID  uint32 `cbor:"1,keyasint"`
	FrequencyMHz uint64 `cbor:"2,keyasint"`
}

type SetCuReadOnlyRangeRequest struct {
	CuIndex uint32 `cbor:"1,keyasint"`
	Start   uint64 `cbor:"2,keyasint"`
	Size    uint64 `cbor:"3,keyasint"`
}
