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
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/accel-io/fpga-coordinator/pkg/aie"
	"github.com/accel-io/fpga-coordinator/pkg/bitstreamstore"
	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
	"github.com/accel-io/fpga-coordinator/pkg/xclbin"
)

const (
	testUUID       = "d1b06b2d-0ad2-46cc-a01e-7fe25b23656a"
	testUUIDShort  = "d1b06b2d0ad246cca01e7fe25b23656a"
	otherUUID      = "9182e838-5ee6-4e19-875f-cf863d963b8f"
	otherUUIDShort = "9182e8385ee64e19875fcf863d963b8f"
)

type nullProgrammer struct{}

func (nullProgrammer) Program(slotID int, img coordinator.Image) error { return nil }

type nullScheduler struct{}

func (nullScheduler) Submit(cmd coordinator.Command) error { return nil }

type recordingInjector struct {
	mu      sync.Mutex
	kinds   []uint32
	modules []uint32
}

func (i *recordingInjector) Inject(kind, module uint32) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.kinds = append(i.kinds, kind)
	i.modules = append(i.modules, module)

	return nil
}

func (i *recordingInjector) injected() ([]uint32, []uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()

	return append([]uint32(nil), i.kinds...), append([]uint32(nil), i.modules...)
}

type testServer struct {
	srv        *Server
	dev        *coordinator.Device
	injector   *recordingInjector
	socketPath string
	imagePath  string
}

func writeTestImage(t *testing.T, dir, id string) string {
	t.Helper()

	b := xclbin.Builder{
		UUID:      uuid.MustParse(id),
		Bitstream: []byte("image"),
		IPs: []xclbin.IP{
			{Type: xclbin.IPTypeKernel, BaseAddress: 0x40000000, Name: "krnl_vadd:vadd_1"},
		},
	}

	var buf bytes.Buffer
	_, err := b.WriteTo(&buf)
	require.NoError(t, err)

	path := filepath.Join(dir, uuid.MustParse(id).String()+".xclbin")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	return path
}

// newTestServer starts a control server on a temporary socket. Mutators run
// before the accept loop starts, so overriding privileged or the config is
// race-free.
func newTestServer(t *testing.T, mutators ...func(*Server)) *testServer {
	t.Helper()

	dir := t.TempDir()
	imagePath := writeTestImage(t, dir, testUUID)
	writeTestImage(t, dir, otherUUID)

	table, err := coordinator.NewApertureTable([]coordinator.ApertureEntry{
		{CuIndex: 0, BaseAddr: 0x40000000, Size: 0x10000},
		{CuIndex: 1, BaseAddr: 0x40010000, Size: 0x10000},
	})
	require.NoError(t, err)

	dev, err := coordinator.NewDevice(2, table, nullProgrammer{}, nullScheduler{}, nil)
	require.NoError(t, err)

	store, err := bitstreamstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	injector := &recordingInjector{}
	srv, err := NewServer(Config{
		Device:   dev,
		Store:    store,
		Aie:      aie.NewManager(),
		Injector: injector,
	})
	require.NoError(t, err)
	srv.privileged = func(net.Conn) bool { return true }
	for _, m := range mutators {
		m(srv)
	}

	socketPath := filepath.Join(dir, "control.sock")
	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() { _ = srv.Serve(lis) }()

	return &testServer{
		srv:        srv,
		dev:        dev,
		injector:   injector,
		socketPath: socketPath,
		imagePath:  imagePath,
	}
}

func (ts *testServer) dial(t *testing.T) *Client {
	t.Helper()

	c, err := Dial(ts.socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func TestServerContextRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	handle, slotID, err := c.CreateContext(-1, ImageRef{Path: ts.imagePath})
	require.NoError(t, err)
	require.NotZero(t, handle.ID)

	cuID, err := c.OpenCuContext(handle.ID, 0)
	require.NoError(t, err)

	sub, err := c.Submit(handle, []byte{0xde, 0xad})
	require.NoError(t, err)
	require.NotZero(t, sub)
	ts.dev.CommandCompleted(sub)

	require.NoError(t, c.CloseCuContext(cuID))
	require.NoError(t, c.DestroyContext(handle.ID))

	info, err := ts.dev.SlotInfo(int(slotID))
	require.NoError(t, err)
	require.Equal(t, 0, info.LiveContexts)
	require.Equal(t, 0, info.OrphanedCommands)
}

func TestServerLoadBitstream(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	tcases := []struct {
		name        string
		image       ImageRef
		expectedErr error
	}{
		{
			name:  "by path",
			image: ImageRef{Path: ts.imagePath},
		},
		{
			name:  "by UUID from the store",
			image: ImageRef{UUID: otherUUIDShort},
		},
		{
			name:        "unknown UUID",
			image:       ImageRef{UUID: "ffffffffffffffffffffffffffffffff"},
			expectedErr: coordinator.ErrNotFound,
		},
		{
			name:        "unreadable path",
			image:       ImageRef{Path: filepath.Join(t.TempDir(), "missing.xclbin")},
			expectedErr: coordinator.ErrInvalidArgument,
		},
		{
			name:        "empty reference",
			expectedErr: coordinator.ErrInvalidArgument,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			slotID, err := c.LoadBitstream(-1, tc.image)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.GreaterOrEqual(t, slotID, int32(0))
		})
	}
}

func TestServerStaleHandle(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	handle, _, err := c.CreateContext(-1, ImageRef{Path: ts.imagePath})
	require.NoError(t, err)
	require.NoError(t, c.DestroyContext(handle.ID))

	_, err = c.Submit(handle, []byte{1})
	require.ErrorIs(t, err, coordinator.ErrInvalidState)

	require.ErrorIs(t, c.DestroyContext(handle.ID), coordinator.ErrNotFound)
}

func TestServerResolveAperture(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	reply, err := c.ResolveAperture(1, 0)
	require.NoError(t, err)
	require.Equal(t, int32(1), reply.ApertureIndex)
	require.Equal(t, uint64(0x40010000), reply.PhysAddr)

	reply, err = c.ResolveAperture(coordinator.CuIndexNone, 0x40000008)
	require.NoError(t, err)
	require.Equal(t, int32(0), reply.CuIndex)

	_, err = c.ResolveAperture(coordinator.CuIndexNone, 0xdead0000)
	require.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestServerPrivilegedOps(t *testing.T) {
	t.Run("privileged peer", func(t *testing.T) {
		ts := newTestServer(t)
		c := ts.dial(t)

		require.NoError(t, c.InjectError(2, 7))
		kinds, modules := ts.injector.injected()
		require.Equal(t, []uint32{2}, kinds)
		require.Equal(t, []uint32{7}, modules)
	})

	t.Run("unprivileged peer", func(t *testing.T) {
		ts := newTestServer(t, func(s *Server) {
			s.privileged = func(net.Conn) bool { return false }
		})
		c := ts.dial(t)

		require.ErrorIs(t, c.InjectError(2, 7), coordinator.ErrPermissionDenied)
		kinds, _ := ts.injector.injected()
		require.Empty(t, kinds)

		// Unprivileged connections still get the regular operations.
		_, err := c.LoadBitstream(-1, ImageRef{Path: ts.imagePath})
		require.NoError(t, err)
	})
}

func TestServerAieOps(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	handle, err := c.RequestAiePartition(1, 0, 4)
	require.NoError(t, err)
	require.NotZero(t, handle)

	_, err = c.RequestAiePartition(2, 2, 4)
	require.ErrorIs(t, err, coordinator.ErrResourceBusy)

	require.NoError(t, c.SetAieFrequency(1, 1250))
	require.ErrorIs(t, c.SetAieFrequency(9, 1250), coordinator.ErrNotFound)

	require.NoError(t, c.ResetAie())

	_, err = c.RequestAiePartition(2, 2, 4)
	require.NoError(t, err)
}

func TestServerNoAie(t *testing.T) {
	ts := newTestServer(t, func(s *Server) {
		s.cfg.Aie = nil
	})
	c := ts.dial(t)

	_, err := c.RequestAiePartition(1, 0, 4)
	require.ErrorIs(t, err, coordinator.ErrInvalidArgument)
	require.ErrorIs(t, c.ResetAie(), coordinator.ErrInvalidArgument)
}

func TestServerSetCuReadOnlyRange(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	require.NoError(t, c.SetCuReadOnlyRange(0, 0x10, 0x100))
	require.ErrorIs(t, c.SetCuReadOnlyRange(9, 0, 0x10), coordinator.ErrInvalidArgument)

	r, ok := ts.dev.CuReadOnlyRange(0)
	require.True(t, ok)
	require.Equal(t, coordinator.CuRange{Start: 0x10, Size: 0x100}, r)
}

func TestServerOversizedFrame(t *testing.T) {
	ts := newTestServer(t)

	conn, err := net.Dial("unix", ts.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], DefaultMaxFrameBytes+1)
	_, err = conn.Write(hdr[:])
	require.NoError(t, err)

	payload, err := readFrame(conn, DefaultMaxFrameBytes)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, cbor.Unmarshal(payload, &resp))
	require.Equal(t, uint32(codes.InvalidArgument), resp.Code)

	// The server hangs up after the rejection.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = readFrame(conn, DefaultMaxFrameBytes)
	require.ErrorIs(t, err, io.EOF)
}

func TestServerMalformedRequest(t *testing.T) {
	ts := newTestServer(t)

	conn, err := net.Dial("unix", ts.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, []byte{0xff, 0x00, 0x01}))

	payload, err := readFrame(conn, DefaultMaxFrameBytes)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, cbor.Unmarshal(payload, &resp))
	require.Equal(t, uint32(codes.InvalidArgument), resp.Code)
}

func TestServerUnknownOp(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	err := c.roundTrip(999, nil, nil)
	require.ErrorIs(t, err, coordinator.ErrInvalidArgument)
}

func TestServerDisconnectReleasesContexts(t *testing.T) {
	ts := newTestServer(t)

	c, err := Dial(ts.socketPath)
	require.NoError(t, err)

	_, slotID, err := c.CreateContext(-1, ImageRef{Path: ts.imagePath})
	require.NoError(t, err)

	info, err := ts.dev.SlotInfo(int(slotID))
	require.NoError(t, err)
	require.Equal(t, 1, info.LiveContexts)

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		info, err := ts.dev.SlotInfo(int(slotID))
		return err == nil && info.LiveContexts == 0
	}, 5*time.Second, 10*time.Millisecond)
}
