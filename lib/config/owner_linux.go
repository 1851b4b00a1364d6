// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"io/fs"
	"syscall"
)

func fileOwner(info fs.FileInfo) int {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(stat.Uid)
	}
	return -1
}
