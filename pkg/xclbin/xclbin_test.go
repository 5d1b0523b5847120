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

package xclbin

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func buildImage(t *testing.T, b Builder) []byte {
	t.Helper()

	var buf bytes.Buffer
	if _, err := b.WriteTo(&buf); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	return buf.Bytes()
}

func TestNewFile(t *testing.T) {
	id := uuid.MustParse("d1b06b2d-0ad2-46cc-a01e-7fe25b23656a")
	bitstream := []byte("not a real fabric image")
	ips := []IP{
		{Type: IPTypeKernel, BaseAddress: 0x40000000, Name: "krnl_vadd:vadd_1"},
		{Type: IPTypeKernel, BaseAddress: 0x40010000, Name: "krnl_vadd:vadd_2"},
	}

	data := buildImage(t, Builder{UUID: id, Bitstream: bitstream, IPs: ips})

	f, err := NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	if f.UUID() != "d1b06b2d0ad246cca01e7fe25b23656a" {
		t.Errorf("unexpected UUID %q", f.UUID())
	}
	if f.NumSections != 2 {
		t.Errorf("unexpected section count %d", f.NumSections)
	}

	raw, err := f.RawBitstreamData()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if !bytes.Equal(raw, bitstream) {
		t.Errorf("bitstream payload corrupted: %q", raw)
	}

	layout, err := f.IPLayout()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if diff := cmp.Diff(ips, layout); diff != "" {
		t.Errorf("unexpected IP layout (-want +got):\n%s", diff)
	}
}

func TestNewFileErrors(t *testing.T) {
	id := uuid.MustParse("d1b06b2d-0ad2-46cc-a01e-7fe25b23656a")
	good := buildImage(t, Builder{UUID: id, Bitstream: []byte("image")})

	tcases := []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{
			name: "wrong magic",
			mangle: func(d []byte) []byte {
				d[0] = 'y'
				return d
			},
		},
		{
			name: "truncated header",
			mangle: func(d []byte) []byte {
				return d[:magicLength+10]
			},
		},
		{
			name: "length mismatch",
			mangle: func(d []byte) []byte {
				return append(d, 0)
			},
		},
		{
			name: "zero UUID",
			mangle: func(d []byte) []byte {
				for i := 0; i < 16; i++ {
					d[magicLength+8+i] = 0
				}
				return d
			},
		},
		{
			name: "zero sections",
			mangle: func(d []byte) []byte {
				binary.LittleEndian.PutUint32(d[magicLength+24:], 0)
				return d
			},
		},
		{
			name: "section past end of file",
			mangle: func(d []byte) []byte {
				// Section 0 offset field follows its kind field.
				base := magicLength + binary.Size(Header{}) + 4
				binary.LittleEndian.PutUint64(d[base:], uint64(len(d)))
				return d
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.mangle(append([]byte(nil), good...))
			if _, err := NewFile(bytes.NewReader(data)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNewFileWithoutIPLayout(t *testing.T) {
	id := uuid.MustParse("d1b06b2d-0ad2-46cc-a01e-7fe25b23656a")
	data := buildImage(t, Builder{UUID: id, Bitstream: []byte("image")})

	f, err := NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if f.NumSections != 1 {
		t.Errorf("unexpected section count %d", f.NumSections)
	}
	if _, err := f.IPLayout(); err == nil {
		t.Error("expected an error for missing IP_LAYOUT")
	}
}

func TestBuilderErrors(t *testing.T) {
	var buf bytes.Buffer

	b := Builder{Bitstream: []byte("image")}
	if _, err := b.WriteTo(&buf); err == nil {
		t.Error("expected an error for nil UUID")
	}

	b = Builder{
		UUID: uuid.MustParse("d1b06b2d-0ad2-46cc-a01e-7fe25b23656a"),
		IPs:  []IP{{Name: string(make([]byte, ipNameLength))}},
	}
	if _, err := b.WriteTo(&buf); err == nil {
		t.Error("expected an error for overlong IP name")
	}
}

func TestOpenAndInstallPath(t *testing.T) {
	id := uuid.MustParse("d1b06b2d-0ad2-46cc-a01e-7fe25b23656a")
	data := buildImage(t, Builder{UUID: id, Bitstream: []byte("image")})

	dir := t.TempDir()
	fname := filepath.Join(dir, "test.xclbin")
	if err := os.WriteFile(fname, data, 0o600); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	f, err := Open(fname)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	defer f.Close()

	expected := filepath.Join(dir, "d1b06b2d0ad246cca01e7fe25b23656a.xclbin")
	if got := f.InstallPath(dir); got != expected {
		t.Errorf("unexpected install path %q", got)
	}

	if _, err := Open(filepath.Join(dir, "missing.xclbin")); err == nil {
		t.Error("expected an error")
	}
}
