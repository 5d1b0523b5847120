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
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
)

// Client talks the control protocol over one connection. One request is in
// flight at a time; concurrent callers are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a control socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.Wrap(err, "can't connect to control socket")
	}

	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection, releasing every context created through it.
func (c *Client) Close() error {
	return errors.WithStack(c.conn.Close())
}

func (c *Client) roundTrip(op uint32, args, reply interface{}) error {
	req := Request{Op: op}
	if args != nil {
		body, err := cbor.Marshal(args)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		req.Body = body
	}
	data, err := cbor.Marshal(&req)
	if err != nil {
		return errors.Wrap(err, "failed to encode request envelope")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, data); err != nil {
		return err
	}
	payload, err := readFrame(c.conn, DefaultMaxFrameBytes)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	var resp Response
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return errors.Wrap(err, "malformed response")
	}
	if err := responseError(&resp); err != nil {
		return err
	}
	if reply != nil {
		if err := cbor.Unmarshal(resp.Body, reply); err != nil {
			return errors.Wrap(err, "malformed result record")
		}
	}

	return nil
}

// LoadBitstream programs a bitstream and returns the slot it landed on.
func (c *Client) LoadBitstream(slotHint int32, image ImageRef) (int32, error) {
	var reply LoadBitstreamReply
	err := c.roundTrip(OpLoadBitstream, &LoadBitstreamRequest{SlotHint: slotHint, Image: image}, &reply)

	return reply.SlotID, err
}

// CreateContext loads a bitstream and creates a hardware context on its
// slot.
func (c *Client) CreateContext(slotHint int32, image ImageRef) (coordinator.ContextHandle, int32, error) {
	var reply CreateContextReply
	err := c.roundTrip(OpCreateContext, &CreateContextRequest{SlotHint: slotHint, Image: image}, &reply)

	return coordinator.ContextHandle{ID: reply.ContextID, Generation: reply.Generation}, reply.SlotID, err
}

// DestroyContext destroys a hardware context.
func (c *Client) DestroyContext(contextID uint64) error {
	return c.roundTrip(OpDestroyContext, &DestroyContextRequest{ContextID: contextID}, nil)
}

// OpenCuContext opens a CU context under a hardware context.
func (c *Client) OpenCuContext(contextID uint64, cuIndex uint32) (uint64, error) {
	var reply OpenCuContextReply
	err := c.roundTrip(OpOpenCuContext, &OpenCuContextRequest{ContextID: contextID, CuIndex: cuIndex}, &reply)

	return reply.CuContextID, err
}

// CloseCuContext closes a CU context.
func (c *Client) CloseCuContext(cuContextID uint64) error {
	return c.roundTrip(OpCloseCuContext, &CloseCuContextRequest{CuContextID: cuContextID}, nil)
}

// Submit forwards an execution buffer under a hardware context. A zero
// handle selects the legacy path.
func (c *Client) Submit(handle coordinator.ContextHandle, commands []byte) (uint64, error) {
	var reply SubmitReply
	err := c.roundTrip(OpSubmit, &SubmitRequest{
		ContextID:  handle.ID,
		Generation: handle.Generation,
		Commands:   commands,
	}, &reply)

	return reply.Submission, err
}

// ResolveAperture resolves a CU aperture by index or physical address.
func (c *Client) ResolveAperture(cuIndex int32, physAddr uint64) (ResolveApertureReply, error) {
	var reply ResolveApertureReply
	err := c.roundTrip(OpResolveAperture, &ResolveApertureRequest{CuIndex: cuIndex, PhysAddr: physAddr}, &reply)

	return reply, err
}

// InjectError requests a synthetic error. Privileged.
func (c *Client) InjectError(kind, module uint32) error {
	return c.roundTrip(OpInjectError, &InjectErrorRequest{Kind: kind, Module: module}, nil)
}

// RequestAiePartition claims an AIE partition.
func (c *Client) RequestAiePartition(partitionID, startColumn, numColumns uint32) (uint64, error) {
	var reply RequestAiePartitionReply
	err := c.roundTrip(OpRequestAiePartition, &RequestAiePartitionRequest{
		PartitionID: partitionID,
		StartColumn: startColumn,
		NumColumns:  numColumns,
	}, &reply)

	return reply.Handle, err
}

// ResetAie resets the AIE array.
func (c *Client) ResetAie() error {
	return c.roundTrip(OpResetAie, nil, nil)
}

// SetAieFrequency sets the clock frequency of an AIE partition.
func (c *Client) SetAieFrequency(partitionID uint32, freqMHz uint64) error {
	return c.roundTrip(OpSetAieFrequency, &SetAieFrequencyRequest{PartitionID: partitionID, FrequencyMHz: freqMHz}, nil)
}

// SetCuReadOnlyRange marks a register range of a CU read-only.
func (c *Client) SetCuReadOnlyRange(cuIndex uint32, start, size uint64) error {
	return c.roundTrip(OpSetCuReadOnlyRange, &SetCuReadOnlyRangeRequest{CuIndex: cuIndex, Start: start, Size: size}, nil)
}
