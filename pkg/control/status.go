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
	stderrors "errors"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"

	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
)

// statusCode maps a coordinator error kind to its wire status code.
func statusCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case stderrors.Is(err, coordinator.ErrInvalidArgument):
		return codes.InvalidArgument
	case stderrors.Is(err, coordinator.ErrNotFound):
		return codes.NotFound
	case stderrors.Is(err, coordinator.ErrPermissionDenied):
		return codes.PermissionDenied
	case stderrors.Is(err, coordinator.ErrResourceBusy):
		return codes.FailedPrecondition
	case stderrors.Is(err, coordinator.ErrInvalidState):
		return codes.Aborted
	case stderrors.Is(err, coordinator.ErrDeviceError):
		return codes.Internal
	case stderrors.Is(err, coordinator.ErrTimeout):
		return codes.DeadlineExceeded
	}

	return codes.Unknown
}

// sentinelFor is statusCode's inverse, used by the client to restore the
// error kind from a response.
func sentinelFor(code codes.Code) error {
	switch code {
	case codes.InvalidArgument:
		return coordinator.ErrInvalidArgument
	case codes.NotFound:
		return coordinator.ErrNotFound
	case codes.PermissionDenied:
		return coordinator.ErrPermissionDenied
	case codes.FailedPrecondition:
		return coordinator.ErrResourceBusy
	case codes.Aborted:
		return coordinator.ErrInvalidState
	case codes.Internal:
		return coordinator.ErrDeviceError
	case codes.DeadlineExceeded:
		return coordinator.ErrTimeout
	}

	return nil
}

func errorResponse(err error) Response {
	return Response{Code: uint32(statusCode(err)), Message: err.Error()}
}

// responseError restores the error carried by a response, nil for OK.
func responseError(resp *Response) error {
	code := codes.Code(resp.Code)
	if code == codes.OK {
		return nil
	}
	if kind := sentinelFor(code); kind != nil {
		return errors.Wrap(kind, resp.Message)
	}

	return errors.Errorf("%s: %s", code, resp.Message)
}
