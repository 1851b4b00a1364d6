// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package jobview

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xerolinux/elevate/lib/inspect"
)

// Run shows plan's progress until the run ends and returns its
// outcome. The executor behind source must already be started. The
// final frame stays on screen.
func Run(ctx context.Context, source Source, plan inspect.Plan, input io.Reader, output io.Writer) error {
	program := tea.NewProgram(
		NewModel(source, plan, NewStyles(output, DefaultTheme)),
		tea.WithContext(ctx),
		tea.WithInput(input),
		tea.WithOutput(output),
	)
	final, err := program.Run()
	if err != nil {
		return fmt.Errorf("running progress view: %w", err)
	}
	model, ok := final.(Model)
	if !ok {
		return fmt.Errorf("unexpected final model type %T", final)
	}
	if !model.Done() {
		return fmt.Errorf("progress view closed before the run finished")
	}
	return model.Err()
}
