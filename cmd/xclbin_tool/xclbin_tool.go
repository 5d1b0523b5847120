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

// xclbin_tool inspects, installs and synthesizes xclbin containers.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/accel-io/fpga-coordinator/pkg/xclbin"
)

func main() {
	var file, outFile, installDir, uuidStr, kernels string
	var bitstreamSize int

	flag.StringVar(&file, "f", "", "Path to xclbin file")
	flag.StringVar(&outFile, "o", "", "Output path for create")
	flag.StringVar(&installDir, "d", "/srv/fpga/xclbin", "Installation directory")
	flag.StringVar(&uuidStr, "uuid", "", "UUID for create, random when empty")
	flag.StringVar(&kernels, "kernels", "", "Comma separated name@address kernel list for create")
	flag.IntVar(&bitstreamSize, "bitstream-size", 4096, "Synthetic bitstream size for create")
	flag.Parse()

	if flag.NArg() < 1 {
		log.Fatal("Please provide command: info, install, create")
	}

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "info":
		err = printInfo(file)
	case "install":
		err = install(file, installDir)
	case "create":
		err = create(outFile, uuidStr, kernels, bitstreamSize)
	default:
		err = errors.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func printInfo(fname string) error {
	if fname == "" {
		return errors.New("xclbin filename is missing")
	}
	f, err := xclbin.Open(fname)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Printf("Bitstream file : %q\n", fname)
	fmt.Printf("UUID           : %s\n", f.UUID())
	fmt.Printf("Sections       : %d\n", len(f.Sections))
	for _, sec := range f.Sections {
		fmt.Printf("\tkind %2d offset %#8x size %#8x\n", sec.Kind, sec.Offset, sec.Size)
	}

	ips, err := f.IPLayout()
	if err == nil {
		fmt.Printf("IP layout      : %d entries\n", len(ips))
		for _, ip := range ips {
			fmt.Printf("\t%-32s type %d base %#x\n", ip.Name, ip.Type, ip.BaseAddress)
		}
	}

	return nil
}

func install(fname, dir string) error {
	if fname == "" {
		return errors.New("xclbin filename is missing")
	}
	f, err := xclbin.Open(fname)
	if err != nil {
		return err
	}
	defer f.Close()

	installPath := f.InstallPath(dir)
	fmt.Printf("Installing %q as %q\n", fname, installPath)

	if err := os.MkdirAll(filepath.Dir(installPath), 0755); err != nil {
		return errors.Wrap(err, "unable to create destination directory")
	}
	src, err := os.Open(fname)
	if err != nil {
		return errors.Wrap(err, "can't open xclbin file")
	}
	defer src.Close()
	dst, err := os.OpenFile(installPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "can't create destination file")
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)

	return errors.WithStack(err)
}

// create writes a synthetic xclbin, mainly for bring-up of coordinator
// deployments without real images.
func create(outFile, uuidStr, kernels string, bitstreamSize int) error {
	if outFile == "" {
		return errors.New("output filename is missing")
	}

	id := uuid.New()
	if uuidStr != "" {
		var err error
		if id, err = uuid.Parse(uuidStr); err != nil {
			return errors.Wrapf(err, "invalid UUID %q", uuidStr)
		}
	}

	builder := &xclbin.Builder{
		UUID:      id,
		Bitstream: make([]byte, bitstreamSize),
	}
	if kernels != "" {
		for _, spec := range strings.Split(kernels, ",") {
			name, addr, found := strings.Cut(spec, "@")
			if !found {
				return errors.Errorf("malformed kernel spec %q, want name@address", spec)
			}
			base, err := strconv.ParseUint(addr, 0, 64)
			if err != nil {
				return errors.Wrapf(err, "malformed kernel address %q", addr)
			}
			builder.IPs = append(builder.IPs, xclbin.IP{
				Type:        xclbin.IPTypeKernel,
				BaseAddress: base,
				Name:        name,
			})
		}
	}

	out, err := os.OpenFile(outFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "can't create output file")
	}
	defer out.Close()

	if _, err := builder.WriteTo(out); err != nil {
		return err
	}
	fmt.Printf("Created %q with UUID %s\n", outFile, id)

	return nil
}
