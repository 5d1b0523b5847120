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
	"github.com/accel-io/fpga-coordinator/pkg/xclbin"
)

// ApertureTableFromLayout builds an aperture table from an IP_LAYOUT
// section. CU indexes are assigned in layout order over the kernel entries;
// other IP types carry no register aperture and are skipped. Every kernel
// gets the default aperture size.
func ApertureTableFromLayout(ips []xclbin.IP) (*ApertureTable, error) {
	entries := make([]ApertureEntry, 0, len(ips))
	for _, ip := range ips {
		if ip.Type != xclbin.IPTypeKernel {
			continue
		}
		entries = append(entries, ApertureEntry{
			CuIndex:  uint32(len(entries)),
			BaseAddr: ip.BaseAddress,
			Size:     xclbin.DefaultApertureSize,
		})
	}

	return NewApertureTable(entries)
}
