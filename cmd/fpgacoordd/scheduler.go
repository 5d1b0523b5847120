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

package main

import (
	"k8s.io/klog/v2"

	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
)

// loopbackScheduler acknowledges every command as soon as it is submitted.
// It stands in until the hardware command scheduler attaches and is what
// keeps the daemon operable on fabrics without one.
type loopbackScheduler struct {
	onComplete func(submission uint64)
}

func newLoopbackScheduler() *loopbackScheduler {
	return &loopbackScheduler{}
}

func (s *loopbackScheduler) Submit(cmd coordinator.Command) error {
	klog.V(4).Infof("Loopback completion for submission %d (slot %d)", cmd.Submission, cmd.SlotID)
	go s.onComplete(cmd.Submission)

	return nil
}
