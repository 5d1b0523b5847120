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

// fpgacoordd is the FPGA control-plane coordinator daemon. It owns the
// slot/context state of one accelerator and serves the control protocol on
// a Unix socket.
package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/accel-io/fpga-coordinator/pkg/aie"
	"github.com/accel-io/fpga-coordinator/pkg/bitstreamstore"
	"github.com/accel-io/fpga-coordinator/pkg/control"
	"github.com/accel-io/fpga-coordinator/pkg/coordinator"
	"github.com/accel-io/fpga-coordinator/pkg/fabric"
)

// logInjector stands in for the synthetic-error subsystem: injections are
// acknowledged and logged.
type logInjector struct{}

func (logInjector) Inject(kind, module uint32) error {
	klog.Warningf("Injected synthetic error kind %d into module %d", kind, module)
	return nil
}

func main() {
	var configFile, socketPath, metricsAddr string

	klog.InitFlags(nil)
	flag.StringVar(&configFile, "config", "/etc/fpga-coordinator/config.yaml", "Path to device config")
	flag.StringVar(&socketPath, "socket", "/run/fpga-coordinator.sock", "Control socket path")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address, empty disables metrics")
	flag.Parse()

	cfg, err := loadConfig(configFile)
	if err != nil {
		klog.Fatalf("Failed to load config: %+v", err)
	}

	apertures, err := cfg.apertureTable()
	if err != nil {
		klog.Fatalf("Invalid aperture table: %+v", err)
	}

	programmer, err := fabric.NewDevNode(cfg.DeviceNode)
	if err != nil {
		klog.Fatalf("Failed to set up fabric programmer: %+v", err)
	}

	registry := prometheus.NewRegistry()
	scheduler := newLoopbackScheduler()

	dev, err := coordinator.NewDevice(cfg.Slots, apertures, programmer, scheduler, registry)
	if err != nil {
		klog.Fatalf("Failed to create device: %+v", err)
	}
	scheduler.onComplete = dev.CommandCompleted

	var store *bitstreamstore.Store
	if cfg.BitstreamDir != "" {
		store, err = bitstreamstore.Open(cfg.BitstreamDir)
		if err != nil {
			klog.Fatalf("Failed to open bitstream store: %+v", err)
		}
		defer store.Close()
		klog.V(1).Infof("Bitstream store %s holds %d images", cfg.BitstreamDir, len(store.UUIDs()))
	}

	if metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				klog.Errorf("Metrics endpoint failed: %+v", err)
			}
		}()
	}

	srv, err := control.NewServer(control.Config{
		Device:      dev,
		Store:       store,
		Aie:         aie.NewManager(),
		Injector:    logInjector{},
		LoadTimeout: time.Duration(cfg.LoadTimeout),
	})
	if err != nil {
		klog.Fatalf("Failed to create control server: %+v", err)
	}

	klog.V(1).Infof("Coordinating %d slots, %d CU apertures", cfg.Slots, apertures.Len())

	if err := srv.ListenAndServe(socketPath); err != nil {
		klog.Fatalf("Control server failed: %+v", err)
	}
}
