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
	"github.com/pkg/errors"
)

// Error kinds returned by coordinator operations. Callers classify failures
// with errors.Is against these sentinels; the concrete error carries the
// operation context via wrapping.
var (
	// ErrInvalidArgument marks malformed or out-of-range request fields,
	// including unknown CU indexes.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks stale or unknown identifiers.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied marks ownership or privilege mismatches.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrResourceBusy marks state transitions that would violate slot or
	// context invariants, e.g. reprogramming a slot with live contexts.
	ErrResourceBusy = errors.New("resource busy")
	// ErrInvalidState marks a concurrent-destroy race detected through a
	// versioned context handle.
	ErrInvalidState = errors.New("invalid state")
	// ErrDeviceError marks an underlying hardware or programming failure.
	ErrDeviceError = errors.New("device error")
	// ErrTimeout marks a bounded wait for a slot lock that expired.
	ErrTimeout = errors.New("timeout")
)
