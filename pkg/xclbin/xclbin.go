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

// Package xclbin reads xclbin (axlf) bitstream containers: a fixed header
// carrying the image UUID followed by a section table. Only the sections the
// coordinator needs are interpreted; unknown section kinds are preserved but
// ignored.
package xclbin

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Section kinds.
const (
	SectionBitstream    uint32 = 0
	SectionMemTopology  uint32 = 6
	SectionConnectivity uint32 = 7
	SectionIPLayout     uint32 = 8
)

// IP types within an IP_LAYOUT section.
const (
	IPTypeKernel uint32 = 1
)

// DefaultApertureSize is the register aperture size assumed for a compute
// unit when the layout does not carry one.
const DefaultApertureSize uint64 = 0x10000

const (
	fileExtension  = ".xclbin"
	magicLength    = 8
	maxSections    = 1024
	maxIPs         = 1024
	ipNameLength   = 64
	sectionHdrSize = 20 // Kind uint32 + Offset, Size uint64
)

var fileMagic = [magicLength]byte{'x', 'c', 'l', 'b', 'i', 'n', '2', 0}

// Header is the fixed axlf file header following the magic.
type Header struct {
	Length      uint64
	UUID        [16]byte
	NumSections uint32
}

// SectionHeader locates one section payload within the container.
type SectionHeader struct {
	Kind   uint32
	Offset uint64
	Size   uint64
}

// IP is one entry of the IP_LAYOUT section.
type IP struct {
	Type        uint32
	Properties  uint32
	BaseAddress uint64
	Name        string
}

// rawIP is the on-disk layout of an IP_LAYOUT entry.
type rawIP struct {
	Type        uint32
	Properties  uint32
	BaseAddress uint64
	Name        [ipNameLength]byte
}

// File represents an open xclbin container.
type File struct {
	Header
	Sections []SectionHeader

	r      io.ReaderAt
	size   int64
	closer io.Closer
}

type reader interface {
	io.ReadSeeker
	io.ReaderAt
}

// Open opens the named file and parses it as an xclbin container.
func Open(fname string) (*File, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ff, err := NewFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f

	return ff, nil
}

// NewFile parses an xclbin container from the reader. The container is
// expected to start at position 0.
func NewFile(r reader) (*File, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "unable to determine file size")
	}

	sr := io.NewSectionReader(r, 0, size)

	var magic [magicLength]byte
	if _, err := io.ReadFull(sr, magic[:]); err != nil {
		return nil, errors.Wrap(err, "unable to read magic")
	}
	if magic != fileMagic {
		return nil, errors.Errorf("wrong magic in xclbin file: %q", magic[:7])
	}

	f := &File{r: r, size: size}
	if err := binary.Read(sr, binary.LittleEndian, &f.Header); err != nil {
		return nil, errors.Wrap(err, "unable to read header")
	}
	if f.Length != uint64(size) {
		return nil, errors.Errorf("header length %d does not match file size %d", f.Length, size)
	}
	if f.Header.UUID == ([16]byte{}) {
		return nil, errors.New("xclbin has no UUID")
	}
	if f.NumSections == 0 || f.NumSections > maxSections {
		return nil, errors.Errorf("incorrect section count %d", f.NumSections)
	}

	f.Sections = make([]SectionHeader, f.NumSections)
	for i := range f.Sections {
		if err := binary.Read(sr, binary.LittleEndian, &f.Sections[i]); err != nil {
			return nil, errors.Wrapf(err, "unable to read section header %d", i)
		}
		sec := f.Sections[i]
		if sec.Offset > uint64(size) || sec.Size > uint64(size)-sec.Offset {
			return nil, errors.Errorf("section %d [%#x, +%#x) lies outside the file", i, sec.Offset, sec.Size)
		}
	}

	return f, nil
}

// Close closes the underlying file if the File was created with Open.
func (f *File) Close() (err error) {
	if f.closer != nil {
		err = f.closer.Close()
		f.closer = nil
	}

	return err
}

// UUID returns the normalized (lowercase, no dashes) bitstream identity.
func (f *File) UUID() string {
	id, err := uuid.FromBytes(f.Header.UUID[:])
	if err != nil {
		return ""
	}

	return strings.Replace(id.String(), "-", "", -1)
}

func (f *File) section(kind uint32) (SectionHeader, bool) {
	for _, sec := range f.Sections {
		if sec.Kind == kind {
			return sec, true
		}
	}

	return SectionHeader{}, false
}

// SectionReader returns a reader over the payload of the first section of
// the given kind.
func (f *File) SectionReader(kind uint32) (io.ReadSeeker, error) {
	sec, ok := f.section(kind)
	if !ok {
		return nil, errors.Errorf("xclbin has no section of kind %d", kind)
	}

	return io.NewSectionReader(f.r, int64(sec.Offset), int64(sec.Size)), nil
}

// RawBitstreamReader returns a reader over the raw fabric image.
func (f *File) RawBitstreamReader() io.ReadSeeker {
	r, err := f.SectionReader(SectionBitstream)
	if err != nil {
		return bytes.NewReader(nil)
	}

	return r
}

// RawBitstreamData returns the raw fabric image.
func (f *File) RawBitstreamData() ([]byte, error) {
	sec, ok := f.section(SectionBitstream)
	if !ok {
		return nil, errors.New("xclbin has no bitstream section")
	}
	data := make([]byte, sec.Size)
	if _, err := io.ReadFull(io.NewSectionReader(f.r, int64(sec.Offset), int64(sec.Size)), data); err != nil {
		return nil, errors.Wrap(err, "unable to read bitstream section")
	}

	return data, nil
}

// IPLayout parses the IP_LAYOUT section listing the compute units and their
// base addresses.
func (f *File) IPLayout() ([]IP, error) {
	r, err := f.SectionReader(SectionIPLayout)
	if err != nil {
		return nil, err
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, errors.Wrap(err, "unable to read IP count")
	}
	if count > maxIPs {
		return nil, errors.Errorf("incorrect IP count %d", count)
	}

	ips := make([]IP, 0, count)
	for i := uint32(0); i < count; i++ {
		var raw rawIP
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return nil, errors.Wrapf(err, "unable to read IP entry %d", i)
		}
		name := raw.Name[:]
		if idx := bytes.IndexByte(name, 0); idx >= 0 {
			name = name[:idx]
		}
		ips = append(ips, IP{
			Type:        raw.Type,
			Properties:  raw.Properties,
			BaseAddress: raw.BaseAddress,
			Name:        string(name),
		})
	}

	return ips, nil
}

// InstallPath returns the unique filename for the bitstream relative to the
// given directory.
func (f *File) InstallPath(root string) string {
	id := f.UUID()
	if id == "" {
		return ""
	}

	return filepath.Join(root, id+fileExtension)
}
