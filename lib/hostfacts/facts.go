// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package hostfacts

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CPUVendor identifies the processor maker as far as virtualization
// configuration cares.
type CPUVendor string

const (
	VendorIntel   CPUVendor = "intel"
	VendorAMD     CPUVendor = "amd"
	VendorUnknown CPUVendor = ""
)

// CPU is what /proc/cpuinfo says about the first processor.
type CPU struct {
	Vendor CPUVendor

	// Virtualization is "vmx" (Intel VT-x), "svm" (AMD-V), or empty.
	Virtualization string
}

// Source answers the questions the inspector asks about the host.
type Source interface {
	KernelRelease(ctx context.Context) (string, error)
	CPU(ctx context.Context) (CPU, error)
	Installed(ctx context.Context, pkg string) (bool, error)
	InRepos(ctx context.Context, pkg string) (bool, error)
	FlatpakInstalled(ctx context.Context, ref string) (bool, error)
}

// Host is the live Source. The zero value reads the real /proc and
// runs the real tools.
type Host struct {
	// ProcRoot replaces /proc.
	ProcRoot string

	// Commander runs pacman and flatpak. Nil uses ExecCommander.
	Commander Commander
}

func (h *Host) procRoot() string {
	if h.ProcRoot != "" {
		return h.ProcRoot
	}
	return "/proc"
}

func (h *Host) commander() Commander {
	if h.Commander != nil {
		return h.Commander
	}
	return ExecCommander{}
}

// KernelRelease returns the running kernel's release string, the same
// value as uname -r.
func (h *Host) KernelRelease(ctx context.Context) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.procRoot(), "sys/kernel/osrelease"))
	if err != nil {
		return "", fmt.Errorf("reading kernel release: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// CPU reads vendor and virtualization flags of the first processor.
// A missing or unrecognized vendor yields VendorUnknown, not an error.
func (h *Host) CPU(ctx context.Context) (CPU, error) {
	file, err := os.Open(filepath.Join(h.procRoot(), "cpuinfo"))
	if err != nil {
		return CPU{}, fmt.Errorf("reading cpuinfo: %w", err)
	}
	defer file.Close()
	return parseCPUInfo(bufio.NewScanner(file)), nil
}

// parseCPUInfo stops at the end of the first processor block.
func parseCPUInfo(scanner *bufio.Scanner) CPU {
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var cpu CPU
	seenProcessor := false
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, ":")
		if !found {
			if strings.TrimSpace(line) == "" && seenProcessor {
				break
			}
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "processor":
			seenProcessor = true
		case "vendor_id":
			switch value {
			case "GenuineIntel":
				cpu.Vendor = VendorIntel
			case "AuthenticAMD":
				cpu.Vendor = VendorAMD
			}
		case "flags":
			for _, flag := range strings.Fields(value) {
				if flag == "vmx" || flag == "svm" {
					cpu.Virtualization = flag
					break
				}
			}
		}
	}
	return cpu
}

// Installed reports whether pacman has pkg installed.
func (h *Host) Installed(ctx context.Context, pkg string) (bool, error) {
	return h.query(ctx, "pacman", "-Q", "--", pkg)
}

// InRepos reports whether any configured sync repository carries pkg.
func (h *Host) InRepos(ctx context.Context, pkg string) (bool, error) {
	return h.query(ctx, "pacman", "-Si", "--", pkg)
}

// FlatpakInstalled reports whether the flatpak application ref is
// installed for the user or the system.
func (h *Host) FlatpakInstalled(ctx context.Context, ref string) (bool, error) {
	return h.query(ctx, "flatpak", "info", ref)
}

// query maps exit 0 to true and exit 1 to false. Anything else means
// the question could not be answered.
func (h *Host) query(ctx context.Context, name string, args ...string) (bool, error) {
	result, err := h.commander().Run(ctx, name, args...)
	if err != nil {
		return false, fmt.Errorf("running %s %s: %w", name, strings.Join(args, " "), err)
	}
	switch result.Exit {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("%s %s exited %d: %s", name, strings.Join(args, " "), result.Exit, strings.Join(result.Stderr, "; "))
	}
}

// Memo returns a Source that remembers every answer of source. Errors
// are remembered too, so a failing query is not retried within the
// same pass.
func Memo(source Source) Source {
	return &memo{source: source, answers: make(map[string]memoAnswer)}
}

type memo struct {
	source Source

	mu      sync.Mutex
	answers map[string]memoAnswer
}

type memoAnswer struct {
	value any
	err   error
}

func remember[T any](m *memo, key string, ask func() (T, error)) (T, error) {
	m.mu.Lock()
	if answer, ok := m.answers[key]; ok {
		m.mu.Unlock()
		value, _ := answer.value.(T)
		return value, answer.err
	}
	m.mu.Unlock()

	value, err := ask()

	m.mu.Lock()
	m.answers[key] = memoAnswer{value: value, err: err}
	m.mu.Unlock()
	return value, err
}

func (m *memo) KernelRelease(ctx context.Context) (string, error) {
	return remember(m, "kernel", func() (string, error) { return m.source.KernelRelease(ctx) })
}

func (m *memo) CPU(ctx context.Context) (CPU, error) {
	return remember(m, "cpu", func() (CPU, error) { return m.source.CPU(ctx) })
}

func (m *memo) Installed(ctx context.Context, pkg string) (bool, error) {
	return remember(m, "installed\x00"+pkg, func() (bool, error) { return m.source.Installed(ctx, pkg) })
}

func (m *memo) InRepos(ctx context.Context, pkg string) (bool, error) {
	return remember(m, "repo\x00"+pkg, func() (bool, error) { return m.source.InRepos(ctx, pkg) })
}

func (m *memo) FlatpakInstalled(ctx context.Context, ref string) (bool, error) {
	return remember(m, "flatpak\x00"+ref, func() (bool, error) { return m.source.FlatpakInstalled(ctx, ref) })
}
