// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package runtimesource

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// CPUSampler reports the CPU usage of the process since the previous call,
// normalized to the number of CPUs.
type CPUSampler interface {
	Percent() (float64, error)
}

type processCPU struct {
	proc *process.Process
	cpus int
}

func newProcessCPU() (*processCPU, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to get process handle: %w", err)
	}
	return &processCPU{proc: proc, cpus: runtime.NumCPU()}, nil
}

func (c *processCPU) Percent() (float64, error) {
	pct, err := c.proc.Percent(0)
	if err != nil {
		return 0, err
	}
	return pct / float64(c.cpus), nil
}
