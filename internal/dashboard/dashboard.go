// Package dashboard is a read-only terminal view of queue status and
// telemetry, polling the store on a tick rather than holding its own state.
package dashboard

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/napageneral/hyperion/internal/fileevents"
	"github.com/napageneral/hyperion/internal/model"
	"github.com/napageneral/hyperion/internal/queue"
	"github.com/napageneral/hyperion/internal/telemetry"
)

const pollInterval = 500 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	hintStyle  = lipgloss.NewStyle().Faint(true)
)

type tickMsg time.Time

type snapshotMsg struct {
	metrics model.QueueMetrics
	recent  []string
	err     error
}

// Model is the bubbletea model driving the dashboard.
type Model struct {
	q       *queue.Queue
	agg     *telemetry.Aggregator
	watcher *fileevents.Watcher

	metrics model.QueueMetrics
	recent  []string
	err     error
}

func New(q *queue.Queue, watcher *fileevents.Watcher) Model {
	return Model{
		q:       q,
		agg:     telemetry.New(q),
		watcher: watcher,
		metrics: model.DefaultQueueMetrics(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		metrics, err := m.agg.QueueMetrics(60)
		var recent []string
		if m.watcher != nil {
			recent = m.watcher.Recent()
		}
		return snapshotMsg{metrics: metrics, recent: recent, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), tick())
	case snapshotMsg:
		m.metrics = msg.metrics
		m.recent = msg.recent
		m.err = msg.err
	}
	return m, nil
}

func (m Model) View() string {
	counts := m.metrics.StatusCounts
	body := fmt.Sprintf(
		"%s %d\n%s %d\n%s %d\n%s %d",
		labelStyle.Render("Pending:"), counts.Pending,
		labelStyle.Render("In Progress:"), counts.InProgress,
		labelStyle.Render("Applied:"), counts.Applied,
		labelStyle.Render("Failed:"), counts.Failed,
	)

	if len(m.recent) > 0 {
		body += "\n\n" + labelStyle.Render("Recent files:")
		for _, f := range m.recent {
			body += "\n  " + f
		}
	}

	if m.err != nil {
		body += "\n\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("error: "+m.err.Error())
	}

	content := titleStyle.Render("Hyperion Dashboard") + "\n\n" + body + "\n\n" + hintStyle.Render("press q to exit")
	return boxStyle.Render(content)
}

// Run starts the bubbletea program and blocks until the user quits.
func Run(q *queue.Queue, watcher *fileevents.Watcher) error {
	p := tea.NewProgram(New(q, watcher))
	_, err := p.Run()
	return err
}
