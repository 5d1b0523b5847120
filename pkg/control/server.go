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

// Package control is the request router of the coordinator: a Unix-socket
// server speaking length-prefixed CBOR records, one record type per
// operation. Each connection is one client; all contexts a client owns are
// released when its connection closes.
package control

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"k8s.io/klog/v2"

	"github.com/accel-io/fpga-coordinator/pkg/bitstreamstore"
	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
	"github.com/accel-io/fpga-coordinator/pkg/xclbin"
)

// AieManager is the external AI-engine subsystem the AIE operations pass
// through to.
type AieManager interface {
	RequestPartition(partitionID, startColumn, numColumns uint32) (uint64, error)
	SetFrequency(partitionID uint32, freqMHz uint64) error
	Reset() error
}

// ErrorInjector is the external synthetic-error subsystem behind the
// privileged InjectError operation.
type ErrorInjector interface {
	Inject(kind, module uint32) error
}

// Config wires the server to the device and its external collaborators.
// Store, Aie and Injector may be nil; the operations needing them then fail.
type Config struct {
	Device   *coordinator.Device
	Store    *bitstreamstore.Store
	Aie      AieManager
	Injector ErrorInjector
	// MaxFrameBytes bounds incoming frames; 0 means DefaultMaxFrameBytes.
	MaxFrameBytes uint32
	// LoadTimeout bounds the wait for a slot's programming lock; 0 means
	// wait forever.
	LoadTimeout time.Duration
}

// Server serves the control protocol.
type Server struct {
	cfg      Config
	maxFrame uint32
	nextConn uint64

	// privileged reports whether the peer may use privileged operations.
	// Swapped in tests.
	privileged func(net.Conn) bool
}

// NewServer creates a control server for the given device.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Device == nil {
		return nil, errors.New("control server needs a device")
	}
	maxFrame := cfg.MaxFrameBytes
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameBytes
	}

	return &Server{cfg: cfg, maxFrame: maxFrame, privileged: peerIsRoot}, nil
}

// ListenAndServe serves the control protocol on a Unix socket, replacing a
// stale socket file if one exists.
func (s *Server) ListenAndServe(socketPath string) error {
	// We don't care if the socket file doesn't exist.
	_ = os.Remove(socketPath)

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrap(err, "failed to listen on control socket")
	}

	klog.V(1).Infof("Control server listening on %s", socketPath)

	return s.Serve(lis)
}

// Serve accepts control connections until the listener is closed.
func (s *Server) Serve(lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}

			return errors.Wrap(err, "accept failed")
		}

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	name := fmt.Sprintf("conn-%d", atomic.AddUint64(&s.nextConn, 1))
	client := s.cfg.Device.NewClient(name)
	defer s.cfg.Device.DisconnectClient(client)

	priv := s.privileged(conn)
	klog.V(3).Infof("Client %s connected (privileged=%t)", name, priv)

	for {
		payload, err := readFrame(conn, s.maxFrame)
		switch {
		case err == nil:
		case stderrors.Is(err, errFrameTooLarge):
			// The oversized payload cannot be skipped reliably, so
			// report the rejection and drop the connection.
			s.writeResponse(conn, errorResponse(errors.Wrapf(coordinator.ErrInvalidArgument, "%v", err)))
			return
		case stderrors.Is(err, io.EOF):
			return
		default:
			klog.V(3).Infof("Client %s read failed: %v", name, err)
			return
		}

		if !s.writeResponse(conn, s.dispatch(client, priv, payload)) {
			return
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) bool {
	data, err := cbor.Marshal(&resp)
	if err != nil {
		klog.Errorf("Failed to encode response: %+v", err)
		return false
	}
	if err := writeFrame(conn, data); err != nil {
		klog.V(3).Infof("Failed to write response: %v", err)
		return false
	}

	return true
}

// dispatch decodes the request envelope and routes it to its handler.
func (s *Server) dispatch(client *coordinator.Client, priv bool, payload []byte) Response {
	var req Request
	if err := cbor.Unmarshal(payload, &req); err != nil {
		return errorResponse(errors.Wrapf(coordinator.ErrInvalidArgument, "malformed request: %v", err))
	}

	body, err := s.handle(client, priv, &req)
	if err != nil {
		klog.V(4).Infof("Op %d from %s failed: %v", req.Op, client.Name(), err)
		return errorResponse(err)
	}

	resp := Response{Code: uint32(codes.OK)}
	if body != nil {
		data, err := cbor.Marshal(body)
		if err != nil {
			return errorResponse(errors.Wrapf(coordinator.ErrDeviceError, "failed to encode reply: %v", err))
		}
		resp.Body = data
	}

	return resp
}

// decode unmarshals an argument record, mapping malformed input to
// ErrInvalidArgument before any field is consumed.
func decode(body cbor.RawMessage, args interface{}) error {
	if err := cbor.Unmarshal(body, args); err != nil {
		return errors.Wrapf(coordinator.ErrInvalidArgument, "malformed argument record: %v", err)
	}

	return nil
}

func (s *Server) handle(client *coordinator.Client, priv bool, req *Request) (interface{}, error) {
	dev := s.cfg.Device

	switch req.Op {
	case OpLoadBitstream:
		var args LoadBitstreamRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}
		slotID, _, err := s.loadImage(args.SlotHint, args.Image, client)
		if err != nil {
			return nil, err
		}

		return &LoadBitstreamReply{SlotID: int32(slotID)}, nil

	case OpCreateContext:
		var args CreateContextRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}
		slotID, uuid, err := s.loadImage(args.SlotHint, args.Image, client)
		if err != nil {
			return nil, err
		}
		handle, err := dev.CreateContext(slotID, client, uuid)
		if err != nil {
			return nil, err
		}

		return &CreateContextReply{ContextID: handle.ID, Generation: handle.Generation, SlotID: int32(slotID)}, nil

	case OpDestroyContext:
		var args DestroyContextRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}

		return nil, dev.DestroyContext(args.ContextID, client)

	case OpOpenCuContext:
		var args OpenCuContextRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}
		id, err := dev.OpenCuContext(args.ContextID, args.CuIndex, client)
		if err != nil {
			return nil, err
		}

		return &OpenCuContextReply{CuContextID: id}, nil

	case OpCloseCuContext:
		var args CloseCuContextRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}

		return nil, dev.CloseCuContext(args.CuContextID, client)

	case OpSubmit:
		var args SubmitRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}
		handle := coordinator.ContextHandle{ID: args.ContextID, Generation: args.Generation}
		sub, err := dev.Submit(handle, args.Commands, client)
		if err != nil {
			return nil, err
		}

		return &SubmitReply{Submission: sub}, nil

	case OpResolveAperture:
		var args ResolveApertureRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}
		entry, err := dev.ResolveAperture(args.CuIndex, args.PhysAddr)
		if err != nil {
			return nil, err
		}

		return &ResolveApertureReply{
			ApertureIndex: int32(entry.TableIndex),
			CuIndex:       int32(entry.CuIndex),
			PhysAddr:      entry.BaseAddr,
			Size:          entry.Size,
		}, nil

	case OpInjectError:
		var args InjectErrorRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}
		if !priv {
			return nil, errors.Wrap(coordinator.ErrPermissionDenied, "error injection not permitted")
		}
		if s.cfg.Injector == nil {
			return nil, errors.Wrap(coordinator.ErrInvalidArgument, "error injection not supported")
		}

		return nil, s.cfg.Injector.Inject(args.Kind, args.Module)

	case OpRequestAiePartition:
		var args RequestAiePartitionRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}
		if s.cfg.Aie == nil {
			return nil, errors.Wrap(coordinator.ErrInvalidArgument, "no AIE array present")
		}
		handle, err := s.cfg.Aie.RequestPartition(args.PartitionID, args.StartColumn, args.NumColumns)
		if err != nil {
			return nil, err
		}

		return &RequestAiePartitionReply{Handle: handle}, nil

	case OpResetAie:
		if s.cfg.Aie == nil {
			return nil, errors.Wrap(coordinator.ErrInvalidArgument, "no AIE array present")
		}

		return nil, s.cfg.Aie.Reset()

	case OpSetAieFrequency:
		var args SetAieFrequencyRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}
		if s.cfg.Aie == nil {
			return nil, errors.Wrap(coordinator.ErrInvalidArgument, "no AIE array present")
		}

		return nil, s.cfg.Aie.SetFrequency(args.PartitionID, args.FrequencyMHz)

	case OpSetCuReadOnlyRange:
		var args SetCuReadOnlyRangeRequest
		if err := decode(req.Body, &args); err != nil {
			return nil, err
		}

		return nil, dev.SetCuReadOnlyRange(args.CuIndex, args.Start, args.Size)
	}

	return nil, errors.Wrapf(coordinator.ErrInvalidArgument, "unknown operation %d", req.Op)
}

// loadImage resolves the image reference, loads it and returns the slot and
// the normalized bitstream UUID.
func (s *Server) loadImage(slotHint int32, ref ImageRef, client *coordinator.Client) (int, string, error) {
	img, err := s.openImage(ref)
	if err != nil {
		return -1, "", err
	}
	defer img.Close()

	ctx := context.Background()
	if s.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LoadTimeout)
		defer cancel()
	}

	slotID, err := s.cfg.Device.LoadBitstream(ctx, int(slotHint), img, client)
	if err != nil {
		return -1, "", err
	}

	return slotID, img.UUID(), nil
}

func (s *Server) openImage(ref ImageRef) (*xclbin.File, error) {
	switch {
	case ref.Path != "":
		img, err := xclbin.Open(ref.Path)
		if err != nil {
			return nil, errors.Wrapf(coordinator.ErrInvalidArgument, "can't open bitstream %s: %v", ref.Path, err)
		}

		return img, nil
	case ref.UUID != "":
		if s.cfg.Store == nil {
			return nil, errors.Wrapf(coordinator.ErrNotFound, "no bitstream store configured")
		}

		return s.cfg.Store.Open(ref.UUID)
	}

	return nil, errors.Wrap(coordinator.ErrInvalidArgument, "empty image reference")
}
