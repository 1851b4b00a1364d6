// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package jobview

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/xerolinux/elevate/lib/ipc"
)

// Theme is the color palette for job output. Colors are ANSI 256
// codes.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	StatusPending   lipgloss.Color
	StatusRunning   lipgloss.Color
	StatusSucceeded lipgloss.Color
	StatusFailed    lipgloss.Color
	StatusCancelled lipgloss.Color

	HeaderForeground lipgloss.Color
	HelpText         lipgloss.Color
}

// DefaultTheme suits dark terminals.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	StatusPending:   lipgloss.Color("240"), // dim gray
	StatusRunning:   lipgloss.Color("75"),  // blue
	StatusSucceeded: lipgloss.Color("114"), // green
	StatusFailed:    lipgloss.Color("196"), // red
	StatusCancelled: lipgloss.Color("220"), // amber

	HeaderForeground: lipgloss.Color("255"),
	HelpText:         lipgloss.Color("241"),
}

// StatusColor returns the color for a job status. Unknown and empty
// statuses are pending.
func (theme Theme) StatusColor(status ipc.JobStatus) lipgloss.Color {
	switch status {
	case ipc.StatusRunning:
		return theme.StatusRunning
	case ipc.StatusSucceeded:
		return theme.StatusSucceeded
	case ipc.StatusFailed, ipc.StatusSpawnFailed:
		return theme.StatusFailed
	case ipc.StatusCancelled:
		return theme.StatusCancelled
	default:
		return theme.StatusPending
	}
}

// Styles are a Theme bound to one output. The renderer decides
// whether colors are emitted at all.
type Styles struct {
	theme    Theme
	renderer *lipgloss.Renderer

	Header lipgloss.Style
	Normal lipgloss.Style
	Faint  lipgloss.Style
	Help   lipgloss.Style
}

// NewStyles binds theme to output. Color is disabled when output is
// not a terminal or NO_COLOR is set.
func NewStyles(output io.Writer, theme Theme) Styles {
	renderer := lipgloss.NewRenderer(output)
	if termenv.EnvNoColor() {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return Styles{
		theme:    theme,
		renderer: renderer,
		Header:   renderer.NewStyle().Bold(true).Foreground(theme.HeaderForeground),
		Normal:   renderer.NewStyle().Foreground(theme.NormalText),
		Faint:    renderer.NewStyle().Foreground(theme.FaintText),
		Help:     renderer.NewStyle().Foreground(theme.HelpText),
	}
}

// Status renders a status word in its color.
func (styles Styles) Status(status ipc.JobStatus) string {
	return styles.renderer.NewStyle().Foreground(styles.theme.StatusColor(status)).Render(string(status))
}

// Marker renders the single-character marker for a step's state.
func (styles Styles) Marker(status ipc.JobStatus) string {
	marker := "·"
	switch status {
	case ipc.StatusRunning:
		marker = "›"
	case ipc.StatusSucceeded:
		marker = "✓"
	case ipc.StatusFailed, ipc.StatusSpawnFailed:
		marker = "✗"
	case ipc.StatusCancelled:
		marker = "⊘"
	}
	return styles.renderer.NewStyle().Foreground(styles.theme.StatusColor(status)).Render(marker)
}
