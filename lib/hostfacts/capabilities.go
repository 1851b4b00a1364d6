// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package hostfacts

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SystemCapabilities is what the host can do at all. It is computed
// once at startup and handed to the resolver.
type SystemCapabilities struct {
	// Distro is the human-readable distribution name, empty when no
	// release file could be read.
	Distro string

	Pacman  bool
	Flatpak bool

	// AURHelper is "paru", "yay", or empty when neither is installed.
	AURHelper string
}

// Missing lists the tools the inspector needs but the host lacks.
func (c SystemCapabilities) Missing() []string {
	var missing []string
	if !c.Pacman {
		missing = append(missing, "pacman")
	}
	if !c.Flatpak {
		missing = append(missing, "flatpak")
	}
	if c.AURHelper == "" {
		missing = append(missing, "paru or yay")
	}
	return missing
}

// LookPath finds an executable. exec.LookPath satisfies it.
type LookPath func(file string) (string, error)

// DetectOptions parameterizes DetectCapabilities.
type DetectOptions struct {
	// Root is prepended to /etc and /usr/lib when reading release
	// files. Empty means "/".
	Root string

	// LookPath defaults to exec.LookPath.
	LookPath LookPath

	// PreferredHelper, when it names an installed helper, wins over
	// the default paru-then-yay order.
	PreferredHelper string
}

// DetectCapabilities inspects the host once.
func DetectCapabilities(ctx context.Context, options DetectOptions) SystemCapabilities {
	lookPath := options.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	have := func(name string) bool {
		_, err := lookPath(name)
		return err == nil
	}

	capabilities := SystemCapabilities{
		Distro:  DistroName(options.Root),
		Pacman:  have("pacman"),
		Flatpak: have("flatpak"),
	}

	helpers := []string{"paru", "yay"}
	if options.PreferredHelper != "" {
		helpers = append([]string{options.PreferredHelper}, helpers...)
	}
	for _, helper := range helpers {
		if have(helper) {
			capabilities.AURHelper = helper
			break
		}
	}
	return capabilities
}

// DistroName reads the distribution name from os-release, trying NAME,
// then PRETTY_NAME, then ID, in /etc/os-release and then
// /usr/lib/os-release. /etc/lsb-release's DISTRIB_ID is the last
// resort.
func DistroName(root string) string {
	if root == "" {
		root = "/"
	}
	for _, path := range []string{"etc/os-release", "usr/lib/os-release"} {
		fields := readKeyValueFile(filepath.Join(root, path))
		for _, key := range []string{"NAME", "PRETTY_NAME", "ID"} {
			if value := fields[key]; value != "" {
				return value
			}
		}
	}
	return readKeyValueFile(filepath.Join(root, "etc/lsb-release"))["DISTRIB_ID"]
}

// readKeyValueFile parses shell-style KEY=value lines, stripping one
// level of single or double quotes. A missing file is an empty map.
func readKeyValueFile(path string) map[string]string {
	fields := make(map[string]string)
	file, err := os.Open(path)
	if err != nil {
		return fields
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		fields[strings.TrimSpace(key)] = value
	}
	return fields
}
