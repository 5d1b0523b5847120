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
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// DefaultMaxFrameBytes bounds the size of one control frame. A frame larger
// than the bound is rejected before any of its payload is decoded.
const DefaultMaxFrameBytes uint32 = 1 << 20

var errFrameTooLarge = errors.New("frame too large")

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.WithStack(err)
	}
	_, err := w.Write(payload)

	return errors.WithStack(err)
}

// readFrame reads one length-prefixed frame of at most max bytes.
func readFrame(r io.Reader, max uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > max {
		return nil, errors.Wrapf(errFrameTooLarge, "%d bytes exceeds limit %d", n, max)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "truncated frame")
	}

	return payload, nil
}
