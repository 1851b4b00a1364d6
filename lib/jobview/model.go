// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package jobview

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/xerolinux/elevate/lib/brokerclient"
	"github.com/xerolinux/elevate/lib/inspect"
	"github.com/xerolinux/elevate/lib/ipc"
)

// outputLines bounds the retained output tail.
const outputLines = 500

// Source is what the view watches. *brokerclient.Executor satisfies
// it.
type Source interface {
	Events() <-chan brokerclient.Event
	Cancel()
}

type step struct {
	description string
	status      ipc.JobStatus
	exitCode    int
}

type eventMsg struct {
	event brokerclient.Event
}

type cancelledMsg struct{}

// Model is the bubbletea model for one plan run.
type Model struct {
	source Source
	styles Styles
	keys   KeyMap

	title   string
	steps   []step
	spinner spinner.Model

	// output holds complete lines; partial is the unterminated tail
	// of the newest line.
	output  []string
	partial string

	width  int
	height int

	cancelling bool
	done       bool
	err        error
}

// NewModel creates a view for plan, fed by source. The executor must
// be started with plan.Steps.
func NewModel(source Source, plan inspect.Plan, styles Styles) Model {
	steps := make([]step, len(plan.Steps))
	for index, planStep := range plan.Steps {
		steps[index] = step{description: planStep.Description}
	}
	verb := "Installing"
	if plan.Action == inspect.ActionUninstall {
		verb = "Removing"
	}
	return Model{
		source: source,
		styles: styles,
		keys:   DefaultKeyMap,
		title:  fmt.Sprintf("%s %s", verb, plan.Feature),
		steps:  steps,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(styles.renderer.NewStyle().Foreground(styles.theme.StatusRunning)),
		),
	}
}

// Err is the run's outcome: nil when every step succeeded.
func (model Model) Err() error { return model.err }

// Done reports whether the run has finished.
func (model Model) Done() bool { return model.done }

// Init implements tea.Model.
func (model Model) Init() tea.Cmd {
	return tea.Batch(model.spinner.Tick, listen(model.source.Events()))
}

func listen(events <-chan brokerclient.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg{event: <-events}
	}
}

// Update implements tea.Model.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case spinner.TickMsg:
		if model.done {
			return model, nil
		}
		var command tea.Cmd
		model.spinner, command = model.spinner.Update(message)
		return model, command

	case eventMsg:
		model.apply(message.event)
		if model.done {
			return model, tea.Quit
		}
		return model, listen(model.source.Events())

	case cancelledMsg:
		return model, nil

	case tea.KeyMsg:
		switch {
		case model.done && (key.Matches(message, model.keys.Close) || key.Matches(message, model.keys.Cancel)):
			return model, tea.Quit
		case key.Matches(message, model.keys.Cancel) && !model.cancelling:
			model.cancelling = true
			source := model.source
			return model, func() tea.Msg {
				source.Cancel()
				return cancelledMsg{}
			}
		}

	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
	}
	return model, nil
}

func (model *Model) apply(event brokerclient.Event) {
	switch event.Kind {
	case brokerclient.EventStepStarted:
		if current := model.step(event.Step); current != nil {
			current.status = ipc.StatusRunning
		}
		model.output = nil
		model.partial = ""
	case brokerclient.EventOutput:
		model.appendOutput(event.Data)
	case brokerclient.EventStepFinished:
		if current := model.step(event.Step); current != nil {
			current.status = event.Status
			current.exitCode = event.ExitCode
		}
	case brokerclient.EventDone:
		model.done = true
		model.err = event.Err
		// A step that never reported its end failed in transport or
		// was cancelled before it started.
		status := ipc.StatusFailed
		var stepErr *brokerclient.StepError
		if errors.As(event.Err, &stepErr) {
			status = stepErr.Status
		}
		for index := range model.steps {
			if model.steps[index].status == ipc.StatusRunning {
				model.steps[index].status = status
			}
		}
	}
}

func (model *Model) step(index int) *step {
	if index < 0 || index >= len(model.steps) {
		return nil
	}
	return &model.steps[index]
}

// appendOutput adds data to the tail. Escape sequences are removed and
// a carriage return restarts the line, so progress bars show their
// latest state.
func (model *Model) appendOutput(data []byte) {
	text := model.partial + ansi.Strip(string(data))
	lines := strings.Split(text, "\n")
	model.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		model.output = append(model.output, lastSegment(line))
	}
	if excess := len(model.output) - outputLines; excess > 0 {
		model.output = append(model.output[:0], model.output[excess:]...)
	}
}

func lastSegment(line string) string {
	line = strings.TrimRight(line, "\r")
	if index := strings.LastIndexByte(line, '\r'); index >= 0 {
		return line[index+1:]
	}
	return line
}

// tail returns the newest output lines that fit below the step list.
func (model Model) tail() []string {
	lines := model.output
	if partial := lastSegment(model.partial); partial != "" {
		lines = append(lines[:len(lines):len(lines)], partial)
	}
	room := 10
	if model.height > 0 {
		room = max(model.height-len(model.steps)-4, 3)
	}
	if len(lines) > room {
		lines = lines[len(lines)-room:]
	}
	return lines
}

// View implements tea.Model.
func (model Model) View() string {
	var builder strings.Builder
	builder.WriteString(model.styles.Header.Render(model.title))
	builder.WriteString("\n")

	for _, current := range model.steps {
		marker := model.styles.Marker(current.status)
		if current.status == ipc.StatusRunning && !model.done {
			marker = model.spinner.View()
		}
		line := current.description
		switch current.status {
		case ipc.StatusFailed:
			line += fmt.Sprintf(" (exit %d)", current.exitCode)
		case ipc.StatusSpawnFailed:
			line += " (could not start)"
		case ipc.StatusCancelled:
			line += " (cancelled)"
		}
		style := model.styles.Normal
		if current.status == "" {
			style = model.styles.Faint
		}
		fmt.Fprintf(&builder, "%s %s\n", marker, style.Render(line))
	}

	if !model.done {
		if lines := model.tail(); len(lines) > 0 {
			builder.WriteString("\n")
			for _, line := range lines {
				if model.width > 2 {
					line = ansi.Truncate(line, model.width-2, "…")
				}
				builder.WriteString(model.styles.Faint.Render("  " + line))
				builder.WriteString("\n")
			}
		}
	}

	builder.WriteString("\n")
	switch {
	case model.done && model.err == nil:
		builder.WriteString(model.styles.Status(ipc.StatusSucceeded))
	case model.done:
		builder.WriteString(model.styles.Status(ipc.StatusFailed) + ": " + model.err.Error())
	case model.cancelling:
		builder.WriteString(model.styles.Help.Render("cancelling…"))
	default:
		builder.WriteString(model.styles.Help.Render(model.keys.Cancel.Help().Key + " " + model.keys.Cancel.Help().Desc))
	}
	builder.WriteString("\n")
	return builder.String()
}
