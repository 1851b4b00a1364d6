// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package inspect

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/tidwall/jsonc"
)

//go:embed catalog.jsonc
var builtinCatalog []byte

// Remediation says how a conflicting installed package is cleared
// before its replacement is installed.
type Remediation string

const (
	// RemediationRemove removes the conflicting package with pacman
	// -Rdd, ignoring dependents that the replacement satisfies.
	RemediationRemove Remediation = "remove"

	// RemediationReplace installs the replacement in one transaction
	// that lets pacman remove the conflicting package.
	RemediationReplace Remediation = "replace"

	// RemediationManual cannot be automated; resolution fails with
	// ErrConflictUnresolved.
	RemediationManual Remediation = "manual"
)

// ConflictRule maps an installed package to what must happen before
// its replacement can be installed.
type ConflictRule struct {
	ID          string      `json:"id"`
	Installed   string      `json:"installed"`
	Replacement string      `json:"replacement"`
	Remediation Remediation `json:"remediation"`
}

// Probe detects whether a feature is present. Exactly one field is set.
type Probe struct {
	Package string `json:"package,omitempty"`
	Flatpak string `json:"flatpak,omitempty"`
}

// KernelModules names the module package for each kernel flavor.
type KernelModules struct {
	Stock string `json:"stock"`
	LTS   string `json:"lts"`
	DKMS  string `json:"dkms"`
}

// Uninstall holds the extra work of removing a feature.
type Uninstall struct {
	// Services to stop and disable. Defaults to the feature's
	// services.
	Services []string `json:"services,omitempty"`

	// Commands run with privilege before packages are removed.
	Commands [][]string `json:"commands,omitempty"`
}

// Feature is one installable unit of the control panel.
type Feature struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Detect Probe  `json:"detect"`

	Packages  []string `json:"packages,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`

	KernelModules *KernelModules `json:"kernel_modules,omitempty"`

	// KernelHeaders adds the headers package of the running kernel.
	KernelHeaders bool `json:"kernel_headers,omitempty"`

	Flatpaks []string   `json:"flatpaks,omitempty"`
	Commands [][]string `json:"commands,omitempty"`
	Groups   []string   `json:"groups,omitempty"`

	// NestedVirtualization writes a modprobe option enabling nested
	// guests for the host CPU's KVM module.
	NestedVirtualization bool `json:"nested_virtualization,omitempty"`

	// Services are enabled and started last.
	Services []string `json:"services,omitempty"`

	Uninstall Uninstall `json:"uninstall"`
}

// Catalog is the full table of features and conflict rules.
type Catalog struct {
	Conflicts []ConflictRule `json:"conflicts"`
	Features  []Feature      `json:"features"`
}

// Feature returns the feature with the given id.
func (c *Catalog) Feature(id string) (*Feature, bool) {
	for index := range c.Features {
		if c.Features[index].ID == id {
			return &c.Features[index], true
		}
	}
	return nil, false
}

// BuiltinCatalog parses the embedded catalog.
func BuiltinCatalog() (*Catalog, error) {
	return ParseCatalog(builtinCatalog)
}

// ParseCatalog parses JSONC catalog data and validates it.
func ParseCatalog(data []byte) (*Catalog, error) {
	var catalog Catalog
	if err := json.Unmarshal(jsonc.ToJSON(data), &catalog); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if issues := catalog.Validate(); len(issues) > 0 {
		return nil, fmt.Errorf("invalid catalog: %v", issues)
	}
	return &catalog, nil
}

// ReadCatalog reads a JSONC catalog file.
func ReadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	catalog, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return catalog, nil
}

// Validate returns human-readable problems with the catalog.
func (c *Catalog) Validate() []string {
	var issues []string

	rules := make(map[string]bool, len(c.Conflicts))
	for index, rule := range c.Conflicts {
		prefix := fmt.Sprintf("conflicts[%d]", index)
		if rule.ID == "" {
			issues = append(issues, prefix+": id is required")
		} else if rules[rule.ID] {
			issues = append(issues, fmt.Sprintf("%s: duplicate id %q", prefix, rule.ID))
		}
		rules[rule.ID] = true
		if rule.Installed == "" || rule.Replacement == "" {
			issues = append(issues, prefix+": installed and replacement are required")
		}
		switch rule.Remediation {
		case RemediationRemove, RemediationReplace, RemediationManual:
		default:
			issues = append(issues, fmt.Sprintf("%s: unknown remediation %q", prefix, rule.Remediation))
		}
	}

	features := make(map[string]bool, len(c.Features))
	for index, feature := range c.Features {
		prefix := fmt.Sprintf("features[%d]", index)
		if feature.ID == "" {
			issues = append(issues, prefix+": id is required")
		} else if features[feature.ID] {
			issues = append(issues, fmt.Sprintf("%s: duplicate id %q", prefix, feature.ID))
		}
		features[feature.ID] = true

		if (feature.Detect.Package == "") == (feature.Detect.Flatpak == "") {
			issues = append(issues, prefix+": detect needs exactly one of package or flatpak")
		}
		for _, reference := range feature.Conflicts {
			if !rules[reference] {
				issues = append(issues, fmt.Sprintf("%s: unknown conflict rule %q", prefix, reference))
			}
		}
		if modules := feature.KernelModules; modules != nil && (modules.Stock == "" || modules.LTS == "" || modules.DKMS == "") {
			issues = append(issues, prefix+": kernel_modules needs stock, lts, and dkms")
		}
		for commandIndex, command := range slices.Concat(feature.Commands, feature.Uninstall.Commands) {
			if len(command) == 0 {
				issues = append(issues, fmt.Sprintf("%s: command %d is empty", prefix, commandIndex))
			}
		}
	}
	return issues
}
