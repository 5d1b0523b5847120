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
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
	"github.com/accel-io/fpga-coordinator/pkg/xclbin"
)

// config is the daemon's device description.
type config struct {
	// Slots is the number of reconfigurable slots on the fabric.
	Slots int `yaml:"slots"`
	// BitstreamDir is the installed-bitstream directory; empty disables
	// load-by-UUID.
	BitstreamDir string `yaml:"bitstream-dir"`
	// DeviceNode is the fabric configuration node; may contain %d for the
	// slot id.
	DeviceNode string `yaml:"device-node"`
	// LoadTimeout bounds the wait for a slot's programming lock.
	LoadTimeout duration `yaml:"load-timeout"`
	// ApertureSource, when no apertures are listed, seeds the aperture
	// table from the IP layout of the named xclbin file.
	ApertureSource string     `yaml:"aperture-source"`
	Apertures      []aperture `yaml:"apertures"`
}

// duration parses "30s" style values from the config.
type duration time.Duration

func (d *duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}
	*d = duration(parsed)

	return nil
}

type aperture struct {
	CuIndex     uint32 `yaml:"cu-index"`
	BaseAddress uint64 `yaml:"base-address"`
	Size        uint64 `yaml:"size"`
}

func loadConfig(fname string) (*config, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config %s", fname)
	}

	cfg := &config{Slots: 1}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config %s", fname)
	}
	if cfg.Slots <= 0 {
		return nil, errors.Errorf("invalid slot count %d", cfg.Slots)
	}
	if cfg.DeviceNode == "" {
		return nil, errors.New("device-node is required")
	}

	return cfg, nil
}

func (c *config) apertureTable() (*coordinator.ApertureTable, error) {
	if len(c.Apertures) == 0 && c.ApertureSource != "" {
		f, err := xclbin.Open(c.ApertureSource)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to open aperture source %s", c.ApertureSource)
		}
		defer f.Close()

		ips, err := f.IPLayout()
		if err != nil {
			return nil, errors.Wrapf(err, "aperture source %s has no usable IP layout", c.ApertureSource)
		}

		return coordinator.ApertureTableFromLayout(ips)
	}

	entries := make([]coordinator.ApertureEntry, len(c.Apertures))
	for i, a := range c.Apertures {
		size := a.Size
		if size == 0 {
			size = xclbin.DefaultApertureSize
		}
		entries[i] = coordinator.ApertureEntry{
			CuIndex:  a.CuIndex,
			BaseAddr: a.BaseAddress,
			Size:     size,
		}
	}

	return coordinator.NewApertureTable(entries)
}
