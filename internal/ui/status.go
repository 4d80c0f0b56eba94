package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/term-engine/internal/session"
)

const statusPollInterval = 2 * time.Second

// StatusClient fetches session snapshots from a running engine.
type StatusClient struct {
	BaseURL string
	Token   string
	client  *http.Client
}

// NewStatusClient creates a client for the engine at baseURL.
func NewStatusClient(baseURL, token string) *StatusClient {
	return &StatusClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Sessions fetches the current snapshot list, sorted by id for stable
// rendering.
func (c *StatusClient) Sessions(ctx context.Context) ([]session.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/sessions", nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine returned status %d", resp.StatusCode)
	}

	var body struct {
		Sessions []session.Snapshot `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	sort.Slice(body.Sessions, func(i, j int) bool {
		return body.Sessions[i].ID < body.Sessions[j].ID
	})
	return body.Sessions, nil
}

type sessionsMsg []session.Snapshot

type fetchErrMsg struct{ err error }

type pollMsg struct{}

type themeMsg bool

// snapshotSource adapts snapshots to fuzzy matching over "id agent state".
type snapshotSource []session.Snapshot

func (s snapshotSource) String(i int) string {
	return s[i].ID + " " + s[i].AgentID + " " + string(s[i].State)
}

func (s snapshotSource) Len() int { return len(s) }

// StatusModel is the interactive session list: live states, fuzzy filter,
// theme-aware rendering.
type StatusModel struct {
	client  *StatusClient
	watcher *ThemeWatcher

	input    textinput.Model
	all      []session.Snapshot
	filtered []session.Snapshot
	cursor   int
	width    int
	height   int
	fetchErr error
}

// NewStatusModel creates the model. watcher may be nil.
func NewStatusModel(client *StatusClient, watcher *ThemeWatcher) *StatusModel {
	ti := textinput.New()
	ti.Placeholder = "Filter sessions..."
	ti.Focus()
	ti.CharLimit = 100
	ti.Width = 40

	return &StatusModel{
		client:  client,
		watcher: watcher,
		input:   ti,
	}
}

func (m *StatusModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.fetch(), textinput.Blink}
	if m.watcher != nil {
		cmds = append(cmds, m.waitForTheme())
	}
	return tea.Batch(cmds...)
}

func (m *StatusModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snaps, err := m.client.Sessions(ctx)
		if err != nil {
			return fetchErrMsg{err: err}
		}
		return sessionsMsg(snaps)
	}
}

func (m *StatusModel) poll() tea.Cmd {
	return tea.Tick(statusPollInterval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m *StatusModel) waitForTheme() tea.Cmd {
	return func() tea.Msg {
		isDark, ok := <-m.watcher.ChangeChannel()
		if !ok {
			return nil
		}
		return themeMsg(isDark)
	}
}

func (m *StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case sessionsMsg:
		m.all = msg
		m.fetchErr = nil
		m.applyFilter()
		return m, m.poll()

	case fetchErrMsg:
		m.fetchErr = msg.err
		return m, m.poll()

	case pollMsg:
		return m, m.fetch()

	case themeMsg:
		if bool(msg) {
			InitTheme("dark")
		} else {
			InitTheme("light")
		}
		return m, m.waitForTheme()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "up":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "down":
			if m.cursor < len(m.filtered)-1 {
				m.cursor++
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.applyFilter()
	return m, cmd
}

// applyFilter narrows the list with fuzzy matching on the input query.
func (m *StatusModel) applyFilter() {
	query := strings.TrimSpace(m.input.Value())
	if query == "" {
		m.filtered = m.all
	} else {
		matches := fuzzy.FindFrom(query, snapshotSource(m.all))
		m.filtered = make([]session.Snapshot, 0, len(matches))
		for _, match := range matches {
			m.filtered = append(m.filtered, m.all[match.Index])
		}
	}
	if m.cursor >= len(m.filtered) {
		m.cursor = len(m.filtered) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *StatusModel) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("term-engine sessions"))
	b.WriteString("\n\n")
	b.WriteString(filterStyle.Render(m.input.View()))
	b.WriteString("\n\n")

	if m.fetchErr != nil {
		b.WriteString(errStyle.Render("error: " + m.fetchErr.Error()))
		b.WriteString("\n")
		return b.String()
	}
	if len(m.filtered) == 0 {
		b.WriteString(dimStyle.Render("no sessions"))
		b.WriteString("\n")
		return b.String()
	}

	width := m.width
	if width <= 0 {
		width = 80
	}

	for i, snap := range m.filtered {
		line := renderRow(snap, width-4)
		if i == m.cursor {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(rowStyle.Render(line))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("↑/↓ select · type to filter · esc quit"))
	return b.String()
}

// renderRow formats one session line: badge, id, agent, activity detail.
func renderRow(snap session.Snapshot, width int) string {
	badge := lipgloss.NewStyle().
		Foreground(StateColor(string(snap.State))).
		Render(fmt.Sprintf("%-9s", snap.State))

	detail := string(snap.Kind)
	if snap.AgentID != "" {
		detail = snap.AgentID
	}
	if snap.Status.CurrentCommand != "" {
		detail += " · " + snap.Status.CurrentCommand
	}

	line := fmt.Sprintf("%s %-20s %s", badge, snap.ID, detail)
	if runewidth.StringWidth(line) > width && width > 3 {
		line = runewidth.Truncate(line, width, "...")
	}
	return line
}
