// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package inspect

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/xerolinux/elevate/lib/hostfacts"
)

// fakeFacts is a table-driven hostfacts.Source.
type fakeFacts struct {
	kernel    string
	cpu       hostfacts.CPU
	installed map[string]bool
	repos     map[string]bool
	flatpaks  map[string]bool
	asked     map[string]int
}

func newFakeFacts() *fakeFacts {
	return &fakeFacts{
		kernel:    "6.12.8-arch1-1",
		cpu:       hostfacts.CPU{Vendor: hostfacts.VendorIntel, Virtualization: "vmx"},
		installed: map[string]bool{},
		repos:     map[string]bool{},
		flatpaks:  map[string]bool{},
		asked:     map[string]int{},
	}
}

func (f *fakeFacts) KernelRelease(ctx context.Context) (string, error) { return f.kernel, nil }
func (f *fakeFacts) CPU(ctx context.Context) (hostfacts.CPU, error)    { return f.cpu, nil }

func (f *fakeFacts) Installed(ctx context.Context, pkg string) (bool, error) {
	f.asked["installed "+pkg]++
	return f.installed[pkg], nil
}

func (f *fakeFacts) InRepos(ctx context.Context, pkg string) (bool, error) {
	f.asked["repo "+pkg]++
	return f.repos[pkg], nil
}

func (f *fakeFacts) FlatpakInstalled(ctx context.Context, ref string) (bool, error) {
	return f.flatpaks[ref], nil
}

// allInRepos marks every package of the catalog's features as
// available from a repository.
func (f *fakeFacts) allInRepos(t *testing.T, catalog *Catalog) {
	t.Helper()
	for _, feature := range catalog.Features {
		for _, pkg := range feature.Packages {
			f.repos[pkg] = true
		}
		if modules := feature.KernelModules; modules != nil {
			f.repos[modules.Stock] = true
			f.repos[modules.LTS] = true
			f.repos[modules.DKMS] = true
		}
	}
	f.repos["linux-headers"] = true
	f.repos["linux-lts-headers"] = true
}

var everything = hostfacts.SystemCapabilities{Distro: "XeroLinux", Pacman: true, Flatpak: true, AURHelper: "paru"}

func newTestResolver(t *testing.T, facts *fakeFacts, capabilities hostfacts.SystemCapabilities) *Resolver {
	t.Helper()
	catalog, err := BuiltinCatalog()
	if err != nil {
		t.Fatalf("BuiltinCatalog: %v", err)
	}
	facts.allInRepos(t, catalog)
	return NewResolver(catalog, capabilities, facts, Options{User: "alice", Elevate: "/usr/bin/elevate"})
}

func argvs(plan *Plan) []string {
	var lines []string
	for _, step := range plan.Steps {
		lines = append(lines, strings.Join(step.Argv, " "))
	}
	return lines
}

func TestBuiltinCatalogIsValid(t *testing.T) {
	catalog, err := BuiltinCatalog()
	if err != nil {
		t.Fatalf("BuiltinCatalog: %v", err)
	}
	for _, id := range []string{"docker", "podman", "virtualbox", "distrobox", "kvm", "gpu-amd", "gpu-intel", "gpu-nvidia", "asus-rog"} {
		if _, ok := catalog.Feature(id); !ok {
			t.Errorf("built-in catalog lacks %q", id)
		}
	}
}

func TestCatalogValidation(t *testing.T) {
	_, err := ParseCatalog([]byte(`{
		// comments and trailing commas are allowed
		"conflicts": [{"id": "a", "installed": "x", "replacement": "y", "remediation": "explode"},],
		"features": [
			{"id": "f", "detect": {}, "conflicts": ["missing"]},
			{"id": "f", "detect": {"package": "p"}, "commands": [[]]},
		],
	}`))
	if err == nil {
		t.Fatal("ParseCatalog accepted an invalid catalog")
	}
	for _, want := range []string{"unknown remediation", "exactly one of package or flatpak", "unknown conflict rule", "duplicate id", "is empty"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestKVMPlanRemovesConflictsFirst(t *testing.T) {
	facts := newFakeFacts()
	facts.installed["iptables"] = true
	resolver := newTestResolver(t, facts, everything)

	plan, err := resolver.Resolve(context.Background(), "kvm", ActionInstall)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	lines := argvs(plan)
	if len(lines) < 2 {
		t.Fatalf("plan = %v", lines)
	}
	if lines[0] != "pacman -Rdd --noconfirm iptables" {
		t.Errorf("first step = %q, want iptables removal", lines[0])
	}
	if !strings.HasPrefix(lines[1], "pacman -S --needed --noconfirm ") || !strings.Contains(lines[1], " iptables-nft") {
		t.Errorf("second step = %q, want install including iptables-nft", lines[1])
	}
	for _, line := range lines {
		if strings.Contains(line, "gnu-netcat") {
			t.Errorf("plan removes gnu-netcat, which is not installed: %q", line)
		}
	}
	if !slices.Contains(lines, "usermod -aG libvirt alice") {
		t.Errorf("plan lacks libvirt group step: %v", lines)
	}
	if !slices.Contains(lines, "sh -c echo 'options kvm-intel nested=1' > /etc/modprobe.d/kvm-intel.conf") {
		t.Errorf("plan lacks nested virtualization step: %v", lines)
	}
	if last := lines[len(lines)-1]; last != "systemctl enable --now libvirtd.service" {
		t.Errorf("last step = %q, want service enable", last)
	}
	for _, step := range plan.Steps {
		if !step.Privileged {
			t.Errorf("step %q is unprivileged", step.Argv)
		}
	}
}

func TestConflictAlreadyReplacedIsSkipped(t *testing.T) {
	facts := newFakeFacts()
	facts.installed["iptables"] = true
	facts.installed["iptables-nft"] = true
	plan, err := newTestResolver(t, facts, everything).Resolve(context.Background(), "kvm", ActionInstall)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first := argvs(plan)[0]; strings.Contains(first, "-Rdd") {
		t.Errorf("first step = %q, want no conflict removal", first)
	}
}

func TestManualConflictFailsBeforePlanning(t *testing.T) {
	facts := newFakeFacts()
	facts.installed["nvidia-470xx-dkms"] = true
	_, err := newTestResolver(t, facts, everything).Resolve(context.Background(), "gpu-nvidia", ActionInstall)
	if !errors.Is(err, ErrConflictUnresolved) {
		t.Fatalf("Resolve error = %v, want ErrConflictUnresolved", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Rule.Installed != "nvidia-470xx-dkms" {
		t.Errorf("error %v does not carry the rule", err)
	}
}

func TestKernelFlavor(t *testing.T) {
	tests := []struct {
		release string
		flavor  Flavor
		suffix  string
	}{
		{"6.12.8-arch1-1", FlavorStock, ""},
		{"6.6.68-1-lts", FlavorLTS, ""},
		{"6.12.8-zen1-1-zen", FlavorDKMS, "zen"},
		{"6.12.8-2-cachyos", FlavorDKMS, "cachyos"},
		{"6.1.0", FlavorDKMS, ""},
		{"6.1.0-custom+", FlavorDKMS, ""},
	}
	for _, test := range tests {
		flavor, suffix := KernelFlavor(test.release)
		if flavor != test.flavor || suffix != test.suffix {
			t.Errorf("KernelFlavor(%q) = %q, %q; want %q, %q", test.release, flavor, suffix, test.flavor, test.suffix)
		}
	}
}

func TestVirtualBoxModulesFollowKernel(t *testing.T) {
	tests := []struct {
		name    string
		kernel  string
		setup   func(*fakeFacts)
		want    []string
		without []string
		noted   bool
	}{
		{
			name:    "stock",
			kernel:  "6.12.8-arch1-1",
			want:    []string{"virtualbox-host-modules-arch"},
			without: []string{"virtualbox-host-dkms", "virtualbox-host-modules-lts"},
		},
		{
			name:    "lts",
			kernel:  "6.6.68-1-lts",
			want:    []string{"virtualbox-host-modules-lts"},
			without: []string{"virtualbox-host-dkms", "virtualbox-host-modules-arch"},
		},
		{
			name:   "zen headers in repos",
			kernel: "6.12.8-zen1-1-zen",
			setup:  func(f *fakeFacts) { f.repos["linux-zen-headers"] = true },
			want:   []string{"virtualbox-host-dkms", "linux-zen-headers"},
		},
		{
			name:   "custom kernel installed",
			kernel: "6.12.8-1-xanmod",
			setup:  func(f *fakeFacts) { f.installed["linux-xanmod"] = true },
			want:   []string{"virtualbox-host-dkms", "linux-xanmod-headers"},
		},
		{
			name:    "no headers anywhere",
			kernel:  "6.12.8-1-mystery",
			want:    []string{"virtualbox-host-dkms"},
			without: []string{"linux-mystery-headers"},
			noted:   true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			facts := newFakeFacts()
			facts.kernel = test.kernel
			resolver := newTestResolver(t, facts, everything)
			if test.setup != nil {
				test.setup(facts)
			}
			plan, err := resolver.Resolve(context.Background(), "virtualbox", ActionInstall)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			var packages []string
			for _, step := range plan.Steps {
				packages = append(packages, step.Argv...)
			}
			for _, pkg := range test.want {
				if !slices.Contains(packages, pkg) {
					t.Errorf("plan %v lacks %s", argvs(plan), pkg)
				}
			}
			for _, pkg := range test.without {
				if slices.Contains(packages, pkg) {
					t.Errorf("plan %v includes %s", argvs(plan), pkg)
				}
			}
			if noted := len(plan.Notes) > 0; noted != test.noted {
				t.Errorf("notes = %v, want notes: %v", plan.Notes, test.noted)
			}
		})
	}
}

func TestInstalledFeatureIsSatisfied(t *testing.T) {
	facts := newFakeFacts()
	facts.installed["docker"] = true
	resolver := newTestResolver(t, facts, everything)

	for range 2 {
		plan, err := resolver.Resolve(context.Background(), "docker", ActionInstall)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !plan.Satisfied || len(plan.Steps) != 0 {
			t.Errorf("plan for installed docker = %+v, want satisfied and empty", plan)
		}
	}

	facts.installed["docker"] = false
	plan, err := resolver.Resolve(context.Background(), "docker", ActionUninstall)
	if err != nil {
		t.Fatalf("Resolve uninstall: %v", err)
	}
	if !plan.Satisfied || len(plan.Steps) != 0 {
		t.Errorf("uninstall plan for absent docker = %+v, want satisfied and empty", plan)
	}
}

func TestAURPackagesGoThroughHelper(t *testing.T) {
	facts := newFakeFacts()
	resolver := newTestResolver(t, facts, everything)
	delete(facts.repos, "supergfxctl")
	delete(facts.repos, "rog-control-center")

	plan, err := resolver.Resolve(context.Background(), "asus-rog", ActionInstall)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	lines := argvs(plan)
	want := []string{
		"pacman -S --needed --noconfirm asusctl",
		"paru -S --needed --noconfirm --sudo /usr/bin/elevate --sudoflags exec rog-control-center supergfxctl",
		"systemctl enable --now asusd supergfxd",
	}
	if !slices.Equal(lines, want) {
		t.Errorf("plan = %q\nwant   %q", lines, want)
	}
	if plan.Steps[1].Privileged || !plan.Steps[1].Delegates {
		t.Error("AUR helper step must run as the user and delegate to the broker")
	}

	noHelper := everything
	noHelper.AURHelper = ""
	resolver = NewResolver(resolver.Catalog(), noHelper, facts, Options{})
	if _, err := resolver.Resolve(context.Background(), "asus-rog", ActionInstall); !errors.Is(err, ErrNoHelper) {
		t.Errorf("Resolve without helper = %v, want ErrNoHelper", err)
	}
}

func TestUnknownCPUSkipsNestedVirtualization(t *testing.T) {
	facts := newFakeFacts()
	facts.cpu = hostfacts.CPU{}
	plan, err := newTestResolver(t, facts, everything).Resolve(context.Background(), "kvm", ActionInstall)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, line := range argvs(plan) {
		if strings.Contains(line, "modprobe.d") {
			t.Errorf("plan writes modprobe config for unknown CPU: %q", line)
		}
	}
	if len(plan.Notes) == 0 || !strings.Contains(plan.Notes[0], "nested virtualization") {
		t.Errorf("notes = %v, want a nested virtualization note", plan.Notes)
	}
}

func TestUninstallRemovesOnlyInstalledPackages(t *testing.T) {
	facts := newFakeFacts()
	facts.installed["virtualbox"] = true
	facts.installed["virtualbox-host-dkms"] = true

	plan, err := newTestResolver(t, facts, everything).Resolve(context.Background(), "virtualbox", ActionUninstall)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"pacman -Rns --noconfirm virtualbox virtualbox-host-dkms"}
	if got := argvs(plan); !slices.Equal(got, want) {
		t.Errorf("plan = %q, want %q", got, want)
	}
}

func TestDockerUninstall(t *testing.T) {
	facts := newFakeFacts()
	facts.installed["docker"] = true
	facts.installed["docker-compose"] = true

	plan, err := newTestResolver(t, facts, everything).Resolve(context.Background(), "docker", ActionUninstall)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{
		"systemctl disable --now docker.service docker.socket",
		"gpasswd -d alice docker",
		"pacman -Rns --noconfirm docker docker-compose",
	}
	if got := argvs(plan); !slices.Equal(got, want) {
		t.Errorf("plan = %q\nwant   %q", got, want)
	}
}

func TestFlatpaksRunAsUser(t *testing.T) {
	facts := newFakeFacts()
	plan, err := newTestResolver(t, facts, everything).Resolve(context.Background(), "distrobox", ActionInstall)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{
		"pacman -S --needed --noconfirm distrobox",
		"flatpak install -y --noninteractive flathub io.github.dvlv.boxbuddyrs",
	}
	if got := argvs(plan); !slices.Equal(got, want) {
		t.Errorf("plan = %q, want %q", got, want)
	}
	if plan.Steps[1].Privileged {
		t.Error("flatpak step must run as the user")
	}

	noFlatpak := everything
	noFlatpak.Flatpak = false
	plan, err = newTestResolver(t, newFakeFacts(), noFlatpak).Resolve(context.Background(), "distrobox", ActionInstall)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(plan.Steps) != 1 || len(plan.Notes) != 1 {
		t.Errorf("plan without flatpak = %q notes %v", argvs(plan), plan.Notes)
	}
}

func TestResolveAsksEachQuestionOnce(t *testing.T) {
	facts := newFakeFacts()
	facts.installed["iptables"] = true
	if _, err := newTestResolver(t, facts, everything).Resolve(context.Background(), "kvm", ActionInstall); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for question, count := range facts.asked {
		if count != 1 {
			t.Errorf("%q asked %d times in one pass", question, count)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	resolver := newTestResolver(t, newFakeFacts(), everything)
	if _, err := resolver.Resolve(context.Background(), "teleporter", ActionInstall); !errors.Is(err, ErrUnknownFeature) {
		t.Errorf("unknown feature: %v", err)
	}
	noPacman := everything
	noPacman.Pacman = false
	resolver = NewResolver(resolver.Catalog(), noPacman, newFakeFacts(), Options{})
	if _, err := resolver.Resolve(context.Background(), "docker", ActionInstall); !errors.Is(err, ErrNoPacman) {
		t.Errorf("without pacman: %v", err)
	}
}
