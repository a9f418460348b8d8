// Copyright 2024 The gsgx Authors.
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
	"bytes"
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/gsgx/gsgx/pkg/encl"
	"github.com/gsgx/gsgx/pkg/encl/encltest"
	"github.com/gsgx/gsgx/pkg/encls"
	"github.com/gsgx/gsgx/pkg/epc"
	"github.com/gsgx/gsgx/pkg/hostarch"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const defaultBase = hostarch.Addr(0x8000_0000)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	config string
	pages  int
	debug  bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "exercise the page cache lifecycle against the leaf simulator"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - build an enclave, fault its pages, write them back and reload them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.config, "config", "", "YAML pool configuration file (default: two 96-frame sections)")
	f.IntVar(&r.pages, "pages", 64, "number of regular pages to add")
	f.BoolVar(&r.debug, "debug", true, "create the enclave debuggable and verify contents after reload")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if r.pages <= 0 {
		Fatalf("-pages must be positive")
	}

	cfg := epc.Config{SectionFrames: []int{96, 96}}
	if r.config != "" {
		data, err := os.ReadFile(r.config)
		if err != nil {
			Fatalf("reading config: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			Fatalf("parsing config: %v", err)
		}
	}

	sim := encls.NewSimulator()
	pause := &encltest.Pauser{}
	pool, err := epc.NewPool(cfg, sim, pause)
	if err != nil {
		Fatalf("creating pool: %v", err)
	}
	defer pool.Destroy()
	pool.SetReclaimer(&encltest.Reclaimer{Pool: pool})

	log := logrus.WithField("subsys", "sgxepc")
	log.WithFields(logrus.Fields{
		"sections": cfg.SectionFrames,
		"free":     pool.FreeCount(),
	}).Info("pool ready")

	ipi := &encltest.IPIRecorder{}
	e, err := encl.New(encl.Options{
		Base:  defaultBase,
		Size:  uint64(r.pages) * hostarch.PageSize,
		Debug: r.debug,
		SGX2:  true,
	}, pool, sim, pause, ipi)
	if err != nil {
		Fatalf("creating enclave: %v", err)
	}
	defer e.DecRef()

	// Build phase: one patterned page per slot, then initialize.
	src := make([]byte, hostarch.PageSize)
	for i := 0; i < r.pages; i++ {
		addr := e.Base() + hostarch.Addr(i)*hostarch.PageSize
		for j := range src {
			src[j] = byte(i)
		}
		if err := e.AddPage(addr, src, encl.PageTypeRegular, hostarch.ReadWrite); err != nil {
			Fatalf("adding page %d: %v", i, err)
		}
	}
	if err := e.Init(); err != nil {
		Fatalf("initializing enclave: %v", err)
	}
	log.WithField("pages", r.pages).Info("enclave initialized")

	as := encltest.NewAddressSpace(1, 0, 1)
	if err := e.Attach(as); err != nil {
		Fatalf("attaching address space: %v", err)
	}
	defer as.Teardown()

	// Fault every page in, then force them all back out through the
	// writeback path.
	for i := 0; i < r.pages; i++ {
		addr := e.Base() + hostarch.Addr(i)*hostarch.PageSize
		if err := e.Fault(as, addr, hostarch.Read); err != nil {
			Fatalf("faulting %v: %v", addr, err)
		}
	}
	log.WithFields(logrus.Fields{
		"mapped": as.MappedCount(),
		"free":   pool.FreeCount(),
	}).Info("resident")

	evictor := &encltest.Reclaimer{Pool: pool, Batch: r.pages}
	for evictor.Reclaim() {
	}
	log.WithFields(logrus.Fields{
		"mapped": as.MappedCount(),
		"free":   pool.FreeCount(),
		"ipis":   ipi.Count(),
	}).Info("written back")

	// Reload phase: fault everything back in and, if debuggable, check
	// that contents survived the encrypted round trip.
	buf := make([]byte, hostarch.PageSize)
	for i := 0; i < r.pages; i++ {
		addr := e.Base() + hostarch.Addr(i)*hostarch.PageSize
		if err := e.Fault(as, addr, hostarch.Read); err != nil {
			Fatalf("reloading %v: %v", addr, err)
		}
		if !r.debug {
			continue
		}
		if _, err := e.DebugRead(buf, addr); err != nil {
			Fatalf("reading %v: %v", addr, err)
		}
		if !bytes.Equal(buf, bytes.Repeat([]byte{byte(i)}, hostarch.PageSize)) {
			Fatalf("page %d corrupted across writeback", i)
		}
	}
	log.WithFields(logrus.Fields{
		"free":   pool.FreeCount(),
		"leaked": pool.LeakedCount(),
	}).Info("reloaded")
	return subcommands.ExitSuccess
}
