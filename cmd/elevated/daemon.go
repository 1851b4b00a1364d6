// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xerolinux/elevate/lib/clock"
	"github.com/xerolinux/elevate/lib/service"
)

type permissions struct {
	group int
	mode  fs.FileMode
}

// socketPermissions gives the socket to root and the served user's
// primary group. With no user, only root can connect.
func socketPermissions(uid int) (permissions, error) {
	if uid < 0 {
		return permissions{group: -1, mode: 0o600}, nil
	}
	account, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return permissions{}, fmt.Errorf("looking up uid %d: %w", uid, err)
	}
	gid, err := strconv.Atoi(account.Gid)
	if err != nil {
		return permissions{}, fmt.Errorf("primary group of uid %d: %w", uid, err)
	}
	return permissions{group: gid, mode: 0o660}, nil
}

// allowPeer admits root and the served user. The group bit on the
// socket lets other members of the user's primary group connect; they
// are turned away here.
func allowPeer(uid int) func(service.Peer) bool {
	return func(peer service.Peer) bool {
		return peer.UID == 0 || (uid >= 0 && peer.UID == uint32(uid))
	}
}

// watchParent cancels the broker once the process that started it has
// exited.
func watchParent(ctx context.Context, alive func(int) bool, pid int, interval time.Duration, clk clock.Clock, logger *slog.Logger, cancel context.CancelFunc) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !alive(pid) {
				logger.Info("parent process exited, shutting down", "parent_pid", pid)
				cancel()
				return
			}
		}
	}
}

// keptEnvironment lists the variables jobs inherit from the broker's
// own environment.
var keptEnvironment = []string{"LANG", "LANGUAGE", "LC_ALL", "LC_MESSAGES", "TERM", "TZ"}

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/bin"

// brokerEnvironment is the base environment of every job: a fixed
// PATH and HOME plus locale and terminal settings.
func brokerEnvironment() []string {
	env := []string{"PATH=" + defaultPath, "HOME=/root", "USER=root", "LOGNAME=root"}
	for _, entry := range os.Environ() {
		name, _, _ := strings.Cut(entry, "=")
		if slices.Contains(keptEnvironment, name) {
			env = append(env, entry)
		}
	}
	return env
}
