// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package hostfacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/xerolinux/elevate/lib/testutil"
)

func TestKernelReleaseFromSyntheticProc(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "sys/kernel/osrelease", "6.12.8-zen1-1-zen\n")
	host := &Host{ProcRoot: root}

	release, err := host.KernelRelease(context.Background())
	if err != nil {
		t.Fatalf("KernelRelease: %v", err)
	}
	if release != "6.12.8-zen1-1-zen" {
		t.Errorf("KernelRelease = %q", release)
	}

	if _, err := (&Host{ProcRoot: t.TempDir()}).KernelRelease(context.Background()); err == nil {
		t.Error("KernelRelease with no osrelease file succeeded")
	}
}

func TestCPUVendorAndVirtualization(t *testing.T) {
	tests := []struct {
		name    string
		cpuinfo string
		want    CPU
	}{
		{
			name: "intel",
			cpuinfo: "processor\t: 0\nvendor_id\t: GenuineIntel\nflags\t\t: fpu vme vmx sse\n\n" +
				"processor\t: 1\nvendor_id\t: GenuineIntel\nflags\t\t: fpu vme vmx sse\n\n",
			want: CPU{Vendor: VendorIntel, Virtualization: "vmx"},
		},
		{
			name:    "amd",
			cpuinfo: "processor\t: 0\nvendor_id\t: AuthenticAMD\nflags\t\t: fpu svm sse2\n",
			want:    CPU{Vendor: VendorAMD, Virtualization: "svm"},
		},
		{
			name:    "amd without virtualization enabled",
			cpuinfo: "processor\t: 0\nvendor_id\t: AuthenticAMD\nflags\t\t: fpu sse2\n",
			want:    CPU{Vendor: VendorAMD},
		},
		{
			name:    "arm has no vendor_id",
			cpuinfo: "processor\t: 0\nBogoMIPS\t: 48.00\nFeatures\t: fp asimd\n",
			want:    CPU{},
		},
		{
			name:    "unknown vendor",
			cpuinfo: "processor\t: 0\nvendor_id\t: HygonGenuine\nflags\t\t: svm\n",
			want:    CPU{Virtualization: "svm"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			root := t.TempDir()
			testutil.WriteFile(t, root, "cpuinfo", test.cpuinfo)
			got, err := (&Host{ProcRoot: root}).CPU(context.Background())
			if err != nil {
				t.Fatalf("CPU: %v", err)
			}
			if got != test.want {
				t.Errorf("CPU = %+v, want %+v", got, test.want)
			}
		})
	}
}

// tableCommander answers "name args..." from a table of exit codes.
type tableCommander struct {
	exits map[string]int
	calls atomic.Int32
}

func (c *tableCommander) Run(ctx context.Context, name string, args ...string) (Result, error) {
	c.calls.Add(1)
	key := strings.Join(append([]string{name}, args...), " ")
	exit, ok := c.exits[key]
	if !ok {
		return Result{}, errors.New("unexpected command: " + key)
	}
	return Result{Exit: exit, Stderr: []string{"stub"}}, nil
}

func TestPackageQueries(t *testing.T) {
	commander := &tableCommander{exits: map[string]int{
		"pacman -Q -- iptables":           0,
		"pacman -Q -- iptables-nft":       1,
		"pacman -Si -- linux-zen-headers": 0,
		"pacman -Si -- broken":            2,
		"flatpak info org.example.App":    1,
	}}
	host := &Host{Commander: commander}
	ctx := context.Background()

	if installed, err := host.Installed(ctx, "iptables"); err != nil || !installed {
		t.Errorf("Installed(iptables) = %v, %v", installed, err)
	}
	if installed, err := host.Installed(ctx, "iptables-nft"); err != nil || installed {
		t.Errorf("Installed(iptables-nft) = %v, %v", installed, err)
	}
	if found, err := host.InRepos(ctx, "linux-zen-headers"); err != nil || !found {
		t.Errorf("InRepos(linux-zen-headers) = %v, %v", found, err)
	}
	if _, err := host.InRepos(ctx, "broken"); err == nil {
		t.Error("InRepos with exit 2 succeeded")
	}
	if installed, err := host.FlatpakInstalled(ctx, "org.example.App"); err != nil || installed {
		t.Errorf("FlatpakInstalled = %v, %v", installed, err)
	}
}

func TestMemoAsksOnce(t *testing.T) {
	commander := &tableCommander{exits: map[string]int{"pacman -Q -- docker": 0}}
	source := Memo(&Host{Commander: commander})
	for range 3 {
		if installed, err := source.Installed(context.Background(), "docker"); err != nil || !installed {
			t.Fatalf("Installed(docker) = %v, %v", installed, err)
		}
	}
	if calls := commander.calls.Load(); calls != 1 {
		t.Errorf("pacman ran %d times, want 1", calls)
	}
}

func TestDistroNameFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{
			name:  "name",
			files: map[string]string{"etc/os-release": "NAME=\"XeroLinux\"\nPRETTY_NAME=\"XeroLinux Rolling\"\nID=xerolinux\n"},
			want:  "XeroLinux",
		},
		{
			name:  "pretty name",
			files: map[string]string{"etc/os-release": "PRETTY_NAME='Arch Linux'\nID=arch\n"},
			want:  "Arch Linux",
		},
		{
			name:  "id only",
			files: map[string]string{"etc/os-release": "# comment\nID=endeavouros\n"},
			want:  "endeavouros",
		},
		{
			name:  "usr lib",
			files: map[string]string{"usr/lib/os-release": "NAME=\"CachyOS\"\n"},
			want:  "CachyOS",
		},
		{
			name:  "lsb release",
			files: map[string]string{"etc/lsb-release": "DISTRIB_ID=\"Manjaro\"\nDISTRIB_RELEASE=24\n"},
			want:  "Manjaro",
		},
		{
			name: "nothing",
			want: "",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			root := t.TempDir()
			for path, content := range test.files {
				testutil.WriteFile(t, root, path, content)
			}
			if got := DistroName(root); got != test.want {
				t.Errorf("DistroName = %q, want %q", got, test.want)
			}
		})
	}
}

func TestDetectCapabilities(t *testing.T) {
	root := t.TempDir()
	testutil.WriteFile(t, root, "etc/os-release", "NAME=XeroLinux\n")

	available := map[string]bool{"pacman": true, "yay": true, "paru": true}
	lookPath := func(file string) (string, error) {
		if available[file] {
			return filepath.Join("/usr/bin", file), nil
		}
		return "", os.ErrNotExist
	}

	got := DetectCapabilities(context.Background(), DetectOptions{Root: root, LookPath: lookPath})
	want := SystemCapabilities{Distro: "XeroLinux", Pacman: true, AURHelper: "paru"}
	if got != want {
		t.Errorf("DetectCapabilities = %+v, want %+v", got, want)
	}
	if missing := got.Missing(); len(missing) != 1 || missing[0] != "flatpak" {
		t.Errorf("Missing = %v, want [flatpak]", missing)
	}

	preferred := DetectCapabilities(context.Background(), DetectOptions{Root: root, LookPath: lookPath, PreferredHelper: "yay"})
	if preferred.AURHelper != "yay" {
		t.Errorf("AURHelper with yay preferred = %q", preferred.AURHelper)
	}
}
