// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package jobview

import "github.com/charmbracelet/bubbles/key"

// KeyMap holds the view's key bindings.
type KeyMap struct {
	// Cancel stops the running step and skips the rest. After the
	// run has finished it closes the view.
	Cancel key.Binding

	// Close closes the view once the run has finished.
	Close key.Binding
}

// DefaultKeyMap is the built-in key binding set.
var DefaultKeyMap = KeyMap{
	Cancel: key.NewBinding(
		key.WithKeys("ctrl+c", "esc"),
		key.WithHelp("ctrl+c", "cancel"),
	),
	Close: key.NewBinding(
		key.WithKeys("q", "enter"),
		key.WithHelp("q", "close"),
	),
}
