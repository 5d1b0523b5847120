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
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Builder assembles a minimal xclbin container. Used by xclbin_tool to
// produce synthetic images for bring-up and testing.
type Builder struct {
	UUID      uuid.UUID
	Bitstream []byte
	IPs       []IP
}

// WriteTo writes the assembled container.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	if b.UUID == uuid.Nil {
		return 0, errors.New("builder needs a non-nil UUID")
	}
	for _, ip := range b.IPs {
		if len(ip.Name) >= ipNameLength {
			return 0, errors.Errorf("IP name %q too long", ip.Name)
		}
	}

	var layout bytes.Buffer
	if len(b.IPs) > 0 {
		if err := binary.Write(&layout, binary.LittleEndian, uint32(len(b.IPs))); err != nil {
			return 0, errors.WithStack(err)
		}
		for _, ip := range b.IPs {
			raw := rawIP{
				Type:        ip.Type,
				Properties:  ip.Properties,
				BaseAddress: ip.BaseAddress,
			}
			copy(raw.Name[:], ip.Name)
			if err := binary.Write(&layout, binary.LittleEndian, &raw); err != nil {
				return 0, errors.WithStack(err)
			}
		}
	}

	sections := []SectionHeader{{Kind: SectionBitstream, Size: uint64(len(b.Bitstream))}}
	payloads := [][]byte{b.Bitstream}
	if layout.Len() > 0 {
		sections = append(sections, SectionHeader{Kind: SectionIPLayout, Size: uint64(layout.Len())})
		payloads = append(payloads, layout.Bytes())
	}

	offset := uint64(magicLength + binary.Size(Header{}) + len(sections)*sectionHdrSize)
	for i := range sections {
		sections[i].Offset = offset
		offset += sections[i].Size
	}

	var buf bytes.Buffer
	buf.Write(fileMagic[:])

	hdr := Header{Length: offset, NumSections: uint32(len(sections))}
	copy(hdr.UUID[:], b.UUID[:])
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return 0, errors.WithStack(err)
	}
	for _, sec := range sections {
		if err := binary.Write(&buf, binary.LittleEndian, &sec); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	for _, p := range payloads {
		buf.Write(p)
	}

	n, err := w.Write(buf.Bytes())

	return int64(n), errors.WithStack(err)
}
