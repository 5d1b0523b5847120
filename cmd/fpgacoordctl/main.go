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

// fpgacoordctl drives a running coordinator daemon over its control socket.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/accel-io/fpga-coordinator/pkg/control"
	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
)

var (
	socketPath string
	slotHint   int32
	imageUUID  string
	imagePath  string
)

func dial() (*control.Client, error) {
	return control.Dial(socketPath)
}

func imageRef() (control.ImageRef, error) {
	ref := control.ImageRef{UUID: imageUUID, Path: imagePath}
	if ref.UUID == "" && ref.Path == "" {
		return ref, fmt.Errorf("either --uuid or --path is required")
	}

	return ref, nil
}

func newLoadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a bitstream onto a slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := imageRef()
			if err != nil {
				return err
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			slotID, err := c.LoadBitstream(slotHint, ref)
			if err != nil {
				return err
			}
			fmt.Printf("Loaded onto slot %d\n", slotID)

			return nil
		},
	}

	return cmd
}

func newResolveCmd() *cobra.Command {
	var cuIndex int32
	var physAddr uint64

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a CU aperture by index or physical address",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			reply, err := c.ResolveAperture(cuIndex, physAddr)
			if err != nil {
				return err
			}
			fmt.Printf("Aperture index : %d\n", reply.ApertureIndex)
			fmt.Printf("CU index       : %d\n", reply.CuIndex)
			fmt.Printf("Base address   : %#x\n", reply.PhysAddr)
			fmt.Printf("Size           : %#x\n", reply.Size)

			return nil
		},
	}
	cmd.Flags().Int32Var(&cuIndex, "cu", coordinator.CuIndexNone, "CU index")
	cmd.Flags().Uint64Var(&physAddr, "addr", 0, "Physical address")

	return cmd
}

// newExerciseCmd runs a full context round-trip on one connection: load,
// create a hardware context, open a CU context, submit a command, then tear
// everything down. Useful as a smoke test of a live daemon.
func newExerciseCmd() *cobra.Command {
	var cuIndex uint32

	cmd := &cobra.Command{
		Use:   "exercise",
		Short: "Run a load/context/submit round-trip against the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := imageRef()
			if err != nil {
				return err
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			handle, slotID, err := c.CreateContext(slotHint, ref)
			if err != nil {
				return err
			}
			fmt.Printf("Created context %d on slot %d\n", handle.ID, slotID)

			cuCtx, err := c.OpenCuContext(handle.ID, cuIndex)
			if err != nil {
				return err
			}
			fmt.Printf("Opened CU context %d for CU %d\n", cuCtx, cuIndex)

			sub, err := c.Submit(handle, []byte{0x00})
			if err != nil {
				return err
			}
			fmt.Printf("Submitted command %d\n", sub)

			if err := c.CloseCuContext(cuCtx); err != nil {
				return err
			}

			return c.DestroyContext(handle.ID)
		},
	}
	cmd.Flags().Uint32Var(&cuIndex, "cu", 0, "CU index to open")

	return cmd
}

func newAieCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aie",
		Short: "AI-engine partition operations",
	}

	partition := &cobra.Command{
		Use:   "partition <id> <start-column> <num-columns>",
		Short: "Request an AIE partition",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vals := make([]uint32, 3)
			for i, arg := range args {
				v, err := strconv.ParseUint(arg, 0, 32)
				if err != nil {
					return err
				}
				vals[i] = uint32(v)
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			handle, err := c.RequestAiePartition(vals[0], vals[1], vals[2])
			if err != nil {
				return err
			}
			fmt.Printf("Partition handle %d\n", handle)

			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset the AIE array",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			return c.ResetAie()
		},
	}

	freq := &cobra.Command{
		Use:   "set-frequency <partition-id> <mhz>",
		Short: "Set an AIE partition's clock frequency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return err
			}
			mhz, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return err
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			return c.SetAieFrequency(uint32(id), mhz)
		},
	}

	cmd.AddCommand(partition, reset, freq)

	return cmd
}

func newInjectErrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inject-error <kind> <module>",
		Short: "Inject a synthetic error (privileged)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return err
			}
			module, err := strconv.ParseUint(args[1], 0, 32)
			if err != nil {
				return err
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			return c.InjectError(uint32(kind), uint32(module))
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "fpgacoordctl",
		Short:         "Control client for the FPGA coordinator daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/fpga-coordinator.sock", "Control socket path")
	root.PersistentFlags().Int32Var(&slotHint, "slot", -1, "Target slot, -1 lets the device choose")
	root.PersistentFlags().StringVar(&imageUUID, "uuid", "", "Installed bitstream UUID")
	root.PersistentFlags().StringVar(&imagePath, "path", "", "Bitstream file path")

	root.AddCommand(newLoadCmd(), newResolveCmd(), newExerciseCmd(), newAieCmd(), newInjectErrorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
