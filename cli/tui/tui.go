package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/angus/types"
)

// DefaultPollInterval is the refresh interval while a job is running.
const DefaultPollInterval = time.Second

// fetchTimeout bounds one refresh request.
const fetchTimeout = 10 * time.Second

// maxResultLines caps the result section.
const maxResultLines = 20

// Refresher fetches the current envelope of the job being viewed.
type Refresher func(ctx context.Context) (types.Envelope, error)

type pollMsg struct{}

type envelopeMsg struct {
	env types.Envelope
	err error
}

// keyMap defines key bindings.
type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}

// JobModel is a Bubble Tea model showing one job envelope. While the job
// is not terminal and a Refresher is set, it polls for updates.
type JobModel struct {
	env      types.Envelope
	refresh  Refresher
	interval time.Duration
	spinner  spinner.Model
	err      error
	width    int
	quitting bool
}

// NewJobModel creates a job view. refresh may be nil for a static view.
func NewJobModel(env types.Envelope, refresh Refresher, interval time.Duration) JobModel {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return JobModel{
		env:      env,
		refresh:  refresh,
		interval: interval,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(WarningStyle)),
	}
}

// Envelope returns the envelope currently shown.
func (m JobModel) Envelope() types.Envelope {
	return m.env
}

func (m JobModel) polling() bool {
	return m.refresh != nil && !m.env.Status.IsTerminal()
}

func (m JobModel) poll() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m JobModel) fetch() tea.Cmd {
	refresh := m.refresh
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		env, err := refresh(ctx)
		return envelopeMsg{env: env, err: err}
	}
}

// Init implements tea.Model.
func (m JobModel) Init() tea.Cmd {
	if !m.polling() {
		return nil
	}
	return tea.Batch(m.spinner.Tick, m.poll())
}

// Update implements tea.Model.
func (m JobModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh) && m.refresh != nil:
			return m, m.fetch()
		}

	case pollMsg:
		if m.polling() {
			return m, m.fetch()
		}

	case envelopeMsg:
		m.err = msg.err
		if msg.err == nil {
			m.env = msg.env
		}
		if m.polling() {
			return m, m.poll()
		}

	case spinner.TickMsg:
		if m.polling() {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m JobModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Job Details"))
	b.WriteString("\n\n")

	status := string(m.env.Status)
	statusView := StatusStyle(status).Render(status)
	if m.polling() {
		statusView = m.spinner.View() + " " + statusView
	}

	row(&b, "UUID", ValueStyle.Render(m.env.UUID))
	row(&b, "URL", ValueStyle.Render(m.env.URL))
	row(&b, "Status", statusView)
	row(&b, "Created At", ValueStyle.Render(formatTime(m.env.CreatedAt)))
	row(&b, "Updated At", ValueStyle.Render(formatTime(m.env.UpdatedAt)))

	if m.env.Error != nil {
		b.WriteString("\n")
		row(&b, "Error Code", ErrorStyle.Render(m.env.Error.Code))
		row(&b, "Error", ErrorStyle.Render(m.env.Error.Message))
	}
	if m.env.Result != nil {
		b.WriteString("\n")
		b.WriteString(LabelStyle.Render("Result:"))
		b.WriteString("\n")
		b.WriteString(ValueStyle.Render(resultText(m.env.Result)))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}

	help := "Press q or Ctrl+C to quit"
	if m.refresh != nil {
		help = "Press r to refresh, q or Ctrl+C to quit"
	}
	return BoxStyle.Render(b.String()) + "\n" + HelpStyle.Render(help)
}

func row(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "%s %s\n", LabelStyle.Render(label+":"), value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func resultText(result map[string]any) string {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	lines := strings.Split(string(raw), "\n")
	if len(lines) > maxResultLines {
		more := len(lines) - maxResultLines
		lines = append(lines[:maxResultLines], fmt.Sprintf("... (%d more lines)", more))
	}
	return strings.Join(lines, "\n")
}

// RunJob runs the job view until the user quits.
func RunJob(env types.Envelope, refresh Refresher, interval time.Duration) error {
	p := tea.NewProgram(NewJobModel(env, refresh, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
