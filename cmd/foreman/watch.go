package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/foremanhq/foreman/pkg/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch <project-id>",
	Short: "Stream a project's live progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := fmt.Sprintf("http://%s:%d/projects/%s/events",
			cfg.Server.Host, cfg.Server.Port, args[0])
		model := newWatchModel(args[0], url)
		_, err := tea.NewProgram(model, tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// eventMsg is one SSE event delivered into the TUI.
type eventMsg models.Event

// streamDoneMsg ends the session (terminal event or stream error).
type streamDoneMsg struct{ err error }

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	typeStyles  = map[string]lipgloss.Style{
		models.EventTaskComplete:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.EventTaskFailed:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.EventTaskRetry:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.EventTaskNeedsReview: lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		models.EventBudgetWarning:   lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	}
)

type watchModel struct {
	projectID string
	url       string

	spinner  spinner.Model
	viewport viewport.Model
	events   chan tea.Msg
	lines    []string
	done     bool
	err      error
	ready    bool
}

func newWatchModel(projectID, url string) *watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &watchModel{
		projectID: projectID,
		url:       url,
		spinner:   sp,
		events:    make(chan tea.Msg, 64),
	}
}

func (m *watchModel) Init() tea.Cmd {
	go m.consumeStream()
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// consumeStream reads the SSE endpoint and forwards events.
func (m *watchModel) consumeStream() {
	resp, err := http.Get(m.url)
	if err != nil {
		m.events <- streamDoneMsg{err: err}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		m.events <- streamDoneMsg{err: fmt.Errorf("server returned status %d", resp.StatusCode)}
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event models.Event
		if err := json.Unmarshal([]byte(line[len("data: "):]), &event); err != nil {
			continue
		}
		m.events <- eventMsg(event)
		if event.Type == models.EventProjectComplete || event.Type == models.EventProjectFailed {
			break
		}
	}
	m.events <- streamDoneMsg{err: scanner.Err()}
}

func (m *watchModel) waitForEvent() tea.Cmd {
	return func() tea.Msg { return <-m.events }
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		headerHeight := 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight
		}
		m.refresh()

	case eventMsg:
		m.lines = append(m.lines, m.renderEvent(models.Event(msg)))
		m.refresh()
		return m, m.waitForEvent()

	case streamDoneMsg:
		m.done = true
		m.err = msg.err
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *watchModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *watchModel) renderEvent(e models.Event) string {
	style, ok := typeStyles[e.Type]
	if !ok {
		style = lipgloss.NewStyle()
	}
	ts := timeStyle.Render(time.Unix(int64(e.Timestamp), 0).Format("15:04:05"))
	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-18s", e.Type)), e.Message)
}

func (m *watchModel) View() string {
	status := m.spinner.View() + " streaming"
	if m.done {
		status = "stream closed"
		if m.err != nil {
			status = "stream error: " + m.err.Error()
		}
	}
	header := headerStyle.Render("foreman watch "+m.projectID) + "  " + status
	if !m.ready {
		return header + "\n"
	}
	return header + "\n\n" + m.viewport.View()
}
