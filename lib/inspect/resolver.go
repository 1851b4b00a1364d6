// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package inspect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/xerolinux/elevate/lib/hostfacts"
)

var (
	ErrUnknownFeature     = errors.New("unknown feature")
	ErrConflictUnresolved = errors.New("package conflict needs manual resolution")
	ErrNoHelper           = errors.New("no AUR helper installed (paru or yay required)")
	ErrNoPacman           = errors.New("pacman is not available on this system")
)

// ConflictError names the rule that could not be remediated. It
// matches ErrConflictUnresolved.
type ConflictError struct {
	Rule ConflictRule
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s is installed and must be replaced by %s manually",
		ErrConflictUnresolved, e.Rule.Installed, e.Rule.Replacement)
}

func (e *ConflictError) Unwrap() error { return ErrConflictUnresolved }

// Action is what to do with a feature.
type Action string

const (
	ActionInstall   Action = "install"
	ActionUninstall Action = "uninstall"
)

// Step is one command of a plan.
type Step struct {
	Description string   `json:"description"`
	Argv        []string `json:"argv"`

	// Privileged steps go to the broker. Others run as the user.
	Privileged bool `json:"privileged"`

	// Delegates marks unprivileged steps that call back into the
	// broker through "elevate exec" and need a session to reuse.
	Delegates bool `json:"delegates,omitempty"`
}

// Plan is the ordered list of commands that carries out an action.
type Plan struct {
	Feature string `json:"feature"`
	Action  Action `json:"action"`

	// Satisfied means the host already is in the requested state and
	// Steps is empty.
	Satisfied bool     `json:"satisfied"`
	Steps     []Step   `json:"steps"`
	Notes     []string `json:"notes,omitempty"`
}

func (p *Plan) add(step Step) { p.Steps = append(p.Steps, step) }

func (p *Plan) note(format string, args ...any) {
	p.Notes = append(p.Notes, fmt.Sprintf(format, args...))
}

// Options are per-user resolver settings.
type Options struct {
	// User is the account added to and removed from groups.
	User string

	// Elevate is the program the AUR helper uses in place of sudo.
	// Defaults to "elevate".
	Elevate string
}

// Resolver produces plans. It is safe for concurrent use.
type Resolver struct {
	catalog      *Catalog
	capabilities hostfacts.SystemCapabilities
	source       hostfacts.Source
	options      Options
}

// NewResolver creates a Resolver. capabilities is computed once by the
// caller; source is consulted afresh on every Resolve.
func NewResolver(catalog *Catalog, capabilities hostfacts.SystemCapabilities, source hostfacts.Source, options Options) *Resolver {
	if options.Elevate == "" {
		options.Elevate = "elevate"
	}
	return &Resolver{catalog: catalog, capabilities: capabilities, source: source, options: options}
}

// Catalog returns the resolver's catalog.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// Capabilities returns the capabilities the resolver was built with.
func (r *Resolver) Capabilities() hostfacts.SystemCapabilities { return r.capabilities }

// Detect reports whether a feature is currently present.
func (r *Resolver) Detect(ctx context.Context, featureID string) (bool, error) {
	feature, ok := r.catalog.Feature(featureID)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownFeature, featureID)
	}
	return detect(ctx, r.source, feature)
}

func detect(ctx context.Context, facts hostfacts.Source, feature *Feature) (bool, error) {
	if feature.Detect.Flatpak != "" {
		return facts.FlatpakInstalled(ctx, feature.Detect.Flatpak)
	}
	return facts.Installed(ctx, feature.Detect.Package)
}

// Resolve computes the plan for one feature and action.
func (r *Resolver) Resolve(ctx context.Context, featureID string, action Action) (*Plan, error) {
	feature, ok := r.catalog.Feature(featureID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, featureID)
	}
	if !r.capabilities.Pacman {
		return nil, ErrNoPacman
	}

	facts := hostfacts.Memo(r.source)
	present, err := detect(ctx, facts, feature)
	if err != nil {
		return nil, fmt.Errorf("detecting %s: %w", feature.ID, err)
	}

	plan := &Plan{Feature: feature.ID, Action: action, Steps: []Step{}}
	switch action {
	case ActionInstall:
		if present {
			plan.Satisfied = true
			return plan, nil
		}
		if err := r.planInstall(ctx, facts, feature, plan); err != nil {
			return nil, err
		}
	case ActionUninstall:
		if !present {
			plan.Satisfied = true
			return plan, nil
		}
		if err := r.planUninstall(ctx, facts, feature, plan); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return plan, nil
}

func (r *Resolver) planInstall(ctx context.Context, facts hostfacts.Source, feature *Feature, plan *Plan) error {
	if err := r.planConflicts(ctx, facts, feature, plan); err != nil {
		return err
	}

	packages := append([]string(nil), feature.Packages...)
	kernelPackages, err := r.kernelPackages(ctx, facts, feature, plan)
	if err != nil {
		return err
	}
	packages = dedupe(append(packages, kernelPackages...))

	var fromRepos, fromAUR []string
	for _, pkg := range packages {
		found, err := facts.InRepos(ctx, pkg)
		if err != nil {
			return fmt.Errorf("looking up %s: %w", pkg, err)
		}
		if found {
			fromRepos = append(fromRepos, pkg)
		} else {
			fromAUR = append(fromAUR, pkg)
		}
	}
	if len(fromAUR) > 0 && r.capabilities.AURHelper == "" {
		return fmt.Errorf("%w: %s not in any repository", ErrNoHelper, strings.Join(fromAUR, ", "))
	}

	if len(fromRepos) > 0 {
		plan.add(Step{
			Description: fmt.Sprintf("Installing %s packages", feature.Name),
			Argv:        append([]string{"pacman", "-S", "--needed", "--noconfirm"}, fromRepos...),
			Privileged:  true,
		})
	}
	if len(fromAUR) > 0 {
		helper := r.capabilities.AURHelper
		plan.add(Step{
			Description: fmt.Sprintf("Building %s packages from the AUR with %s", feature.Name, helper),
			Argv: append([]string{helper, "-S", "--needed", "--noconfirm",
				"--sudo", r.options.Elevate, "--sudoflags", "exec"}, fromAUR...),
			Delegates: true,
		})
	}

	for _, ref := range feature.Flatpaks {
		if !r.capabilities.Flatpak {
			plan.note("flatpak is not installed; skipping %s", ref)
			continue
		}
		installed, err := facts.FlatpakInstalled(ctx, ref)
		if err != nil {
			return fmt.Errorf("checking flatpak %s: %w", ref, err)
		}
		if installed {
			continue
		}
		plan.add(Step{
			Description: "Installing flatpak " + ref,
			Argv:        []string{"flatpak", "install", "-y", "--noninteractive", "flathub", ref},
		})
	}

	for _, command := range feature.Commands {
		plan.add(Step{Description: "Running " + command[0], Argv: command, Privileged: true})
	}

	r.planGroups(feature, plan, "-aG")

	if feature.NestedVirtualization {
		if err := planNestedVirtualization(ctx, facts, plan); err != nil {
			return err
		}
	}

	if len(feature.Services) > 0 {
		plan.add(Step{
			Description: "Enabling " + strings.Join(feature.Services, ", "),
			Argv:        append([]string{"systemctl", "enable", "--now"}, feature.Services...),
			Privileged:  true,
		})
	}
	return nil
}

// planConflicts adds removal steps for every applicable conflict rule,
// in catalog order, or fails before any step is planned.
func (r *Resolver) planConflicts(ctx context.Context, facts hostfacts.Source, feature *Feature, plan *Plan) error {
	referenced := make(map[string]bool, len(feature.Conflicts))
	for _, id := range feature.Conflicts {
		referenced[id] = true
	}
	for _, rule := range r.catalog.Conflicts {
		if !referenced[rule.ID] {
			continue
		}
		conflicting, err := facts.Installed(ctx, rule.Installed)
		if err != nil {
			return fmt.Errorf("checking %s: %w", rule.Installed, err)
		}
		if !conflicting {
			continue
		}
		replaced, err := facts.Installed(ctx, rule.Replacement)
		if err != nil {
			return fmt.Errorf("checking %s: %w", rule.Replacement, err)
		}
		if replaced {
			continue
		}
		switch rule.Remediation {
		case RemediationRemove:
			plan.add(Step{
				Description: fmt.Sprintf("Removing %s (conflicts with %s)", rule.Installed, rule.Replacement),
				Argv:        []string{"pacman", "-Rdd", "--noconfirm", rule.Installed},
				Privileged:  true,
			})
		case RemediationReplace:
			// --ask 4 answers the "remove conflicting package?" prompt
			// that --noconfirm would decline.
			plan.add(Step{
				Description: fmt.Sprintf("Replacing %s with %s", rule.Installed, rule.Replacement),
				Argv:        []string{"pacman", "-S", "--noconfirm", "--ask", "4", rule.Replacement},
				Privileged:  true,
			})
		default:
			return &ConflictError{Rule: rule}
		}
	}
	return nil
}

// Flavor classifies the running kernel for module packages.
type Flavor string

const (
	FlavorStock Flavor = "stock"
	FlavorLTS   Flavor = "lts"
	FlavorDKMS  Flavor = "dkms"
)

// KernelFlavor classifies a kernel release string. For FlavorDKMS the
// second result is the package suffix of the kernel ("zen" for
// 6.12.8-zen1-1-zen), or empty when the release does not end in one.
func KernelFlavor(release string) (Flavor, string) {
	switch {
	case strings.Contains(release, "-arch"):
		return FlavorStock, ""
	case strings.Contains(release, "-lts"):
		return FlavorLTS, ""
	}
	suffix := release[strings.LastIndex(release, "-")+1:]
	if suffix == release || suffix == "" || strings.IndexFunc(suffix, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) >= 0 {
		return FlavorDKMS, ""
	}
	return FlavorDKMS, suffix
}

func (r *Resolver) kernelPackages(ctx context.Context, facts hostfacts.Source, feature *Feature, plan *Plan) ([]string, error) {
	if feature.KernelModules == nil && !feature.KernelHeaders {
		return nil, nil
	}
	release, err := facts.KernelRelease(ctx)
	if err != nil {
		return nil, err
	}
	flavor, suffix := KernelFlavor(release)

	var packages []string
	switch flavor {
	case FlavorStock:
		if feature.KernelModules != nil {
			packages = append(packages, feature.KernelModules.Stock)
		}
		if feature.KernelHeaders {
			packages = append(packages, "linux-headers")
		}
	case FlavorLTS:
		if feature.KernelModules != nil {
			packages = append(packages, feature.KernelModules.LTS)
		}
		if feature.KernelHeaders {
			packages = append(packages, "linux-lts-headers")
		}
	default:
		if feature.KernelModules != nil {
			packages = append(packages, feature.KernelModules.DKMS)
		}
		headers, err := customHeaders(ctx, facts, suffix)
		if err != nil {
			return nil, err
		}
		if headers != "" {
			packages = append(packages, headers)
		} else {
			plan.note("no headers package found for kernel %s; dkms modules may fail to build", release)
		}
	}
	return packages, nil
}

// customHeaders returns linux-<suffix>-headers when the repositories
// carry it or the matching kernel package is installed.
func customHeaders(ctx context.Context, facts hostfacts.Source, suffix string) (string, error) {
	if suffix == "" {
		return "", nil
	}
	headers := "linux-" + suffix + "-headers"
	found, err := facts.InRepos(ctx, headers)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", headers, err)
	}
	if found {
		return headers, nil
	}
	installed, err := facts.Installed(ctx, "linux-"+suffix)
	if err != nil {
		return "", fmt.Errorf("checking linux-%s: %w", suffix, err)
	}
	if installed {
		return headers, nil
	}
	return "", nil
}

func planNestedVirtualization(ctx context.Context, facts hostfacts.Source, plan *Plan) error {
	cpu, err := facts.CPU(ctx)
	if err != nil {
		plan.note("skipping nested virtualization: %v", err)
		return nil
	}
	var module string
	switch cpu.Vendor {
	case hostfacts.VendorIntel:
		module = "kvm-intel"
	case hostfacts.VendorAMD:
		module = "kvm-amd"
	default:
		plan.note("skipping nested virtualization: CPU vendor not recognized")
		return nil
	}
	if cpu.Virtualization == "" {
		plan.note("skipping nested virtualization: CPU reports no vmx or svm support")
		return nil
	}
	option := "options " + module + " nested=1"
	plan.add(Step{
		Description: "Enabling nested virtualization for " + module,
		Argv:        []string{"sh", "-c", fmt.Sprintf("echo '%s' > /etc/modprobe.d/%s.conf", option, module)},
		Privileged:  true,
	})
	return nil
}

func (r *Resolver) planGroups(feature *Feature, plan *Plan, flag string) {
	if len(feature.Groups) == 0 {
		return
	}
	if r.options.User == "" {
		plan.note("no user configured; skipping group membership for %s", strings.Join(feature.Groups, ", "))
		return
	}
	for _, group := range feature.Groups {
		step := Step{Privileged: true}
		if flag == "-aG" {
			step.Description = fmt.Sprintf("Adding %s to group %s", r.options.User, group)
			step.Argv = []string{"usermod", "-aG", group, r.options.User}
		} else {
			step.Description = fmt.Sprintf("Removing %s from group %s", r.options.User, group)
			step.Argv = []string{"gpasswd", "-d", r.options.User, group}
		}
		plan.add(step)
	}
}

func (r *Resolver) planUninstall(ctx context.Context, facts hostfacts.Source, feature *Feature, plan *Plan) error {
	services := feature.Uninstall.Services
	if len(services) == 0 {
		services = feature.Services
	}
	if len(services) > 0 {
		plan.add(Step{
			Description: "Stopping and disabling " + strings.Join(services, ", "),
			Argv:        append([]string{"systemctl", "disable", "--now"}, services...),
			Privileged:  true,
		})
	}

	r.planGroups(feature, plan, "-d")

	for _, command := range feature.Uninstall.Commands {
		plan.add(Step{Description: "Running " + command[0], Argv: command, Privileged: true})
	}

	if r.capabilities.Flatpak {
		for _, ref := range feature.Flatpaks {
			installed, err := facts.FlatpakInstalled(ctx, ref)
			if err != nil {
				return fmt.Errorf("checking flatpak %s: %w", ref, err)
			}
			if installed {
				plan.add(Step{
					Description: "Removing flatpak " + ref,
					Argv:        []string{"flatpak", "uninstall", "-y", "--noninteractive", ref},
				})
			}
		}
	}

	candidates := append([]string(nil), feature.Packages...)
	if modules := feature.KernelModules; modules != nil {
		candidates = append(candidates, modules.Stock, modules.LTS, modules.DKMS)
	}
	var installed []string
	for _, pkg := range dedupe(candidates) {
		present, err := facts.Installed(ctx, pkg)
		if err != nil {
			return fmt.Errorf("checking %s: %w", pkg, err)
		}
		if present {
			installed = append(installed, pkg)
		}
	}
	if len(installed) > 0 {
		plan.add(Step{
			Description: fmt.Sprintf("Removing %s packages", feature.Name),
			Argv:        append([]string{"pacman", "-Rns", "--noconfirm"}, installed...),
			Privileged:  true,
		})
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	result := values[:0]
	for _, value := range values {
		if !seen[value] {
			seen[value] = true
			result = append(result, value)
		}
	}
	return result
}
