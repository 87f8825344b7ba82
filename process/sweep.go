package process

import (
	"os"
	"strings"

	gops "github.com/shirou/gopsutil/v3/process"
)

// Sweeper kills processes by executable name.
type Sweeper interface {
	// Sweep kills every process named name except the caller and returns
	// how many were killed.
	Sweep(name string) (int, error)
}

// PsSweeper finds processes through the OS process table.
type PsSweeper struct{}

// Sweep implements Sweeper.
func (PsSweeper) Sweep(name string) (int, error) {
	pids, err := FindByName(name)
	if err != nil {
		return 0, err
	}

	killed := 0
	var firstErr error
	for _, pid := range pids {
		p, err := gops.NewProcess(int32(pid))
		if err != nil {
			continue // already gone
		}
		if err := p.Kill(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		killed++
	}
	return killed, firstErr
}

// FindByName returns the PIDs of processes whose executable name equals
// name, ignoring case and a trailing ".exe". The current process is never
// returned.
func FindByName(name string) ([]int, error) {
	procs, err := gops.Processes()
	if err != nil {
		return nil, err
	}

	want := normalizeProcName(name)
	self := os.Getpid()
	var found []int
	for _, p := range procs {
		if int(p.Pid) == self {
			continue
		}
		n, err := p.Name()
		if err != nil {
			continue // process may have exited
		}
		if normalizeProcName(n) == want {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

func normalizeProcName(n string) string {
	return strings.TrimSuffix(strings.ToLower(n), ".exe")
}
