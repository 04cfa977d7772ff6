package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"jobsync/internal/command"
	"jobsync/internal/model"
	"jobsync/internal/store"
)

type watchKeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Cancel  key.Binding
	Retry   key.Binding
	Dismiss key.Binding
	Delete  key.Binding
	Submit  key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func newWatchKeyMap() watchKeyMap {
	return watchKeyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Cancel:  key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel")),
		Retry:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "retry")),
		Dismiss: key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "dismiss")),
		Delete:  key.NewBinding(key.WithKeys("D"), key.WithHelp("D", "delete")),
		Submit:  key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "new job")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k watchKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Cancel, k.Retry, k.Submit, k.Help, k.Quit}
}

func (k watchKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Cancel, k.Retry, k.Dismiss, k.Delete},
		{k.Submit, k.Help, k.Quit},
	}
}

// jobsChangedMsg means the store or the connection state moved; the model
// re-reads both.
type jobsChangedMsg struct{}

type commandDoneMsg struct {
	verb  string
	id    string
	newID string
	err   error
}

var (
	watchTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	watchPanelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	watchSelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
	watchBadgeOnline = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("● live")
	watchBadgePoll   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("● polling")
)

type watchModel struct {
	ctx       context.Context
	timeout   time.Duration
	store     *store.Store
	commander *command.Commander
	connected func() bool
	signals   <-chan struct{}

	jobs     []model.Job
	cursor   int
	width    int
	height   int
	online   bool
	busy     map[string]string
	status   string
	errored  bool
	entering bool

	keys    watchKeyMap
	help    help.Model
	spinner spinner.Model
	bar     progress.Model
	input   textinput.Model
}

func newWatchModel(ctx context.Context, st *store.Store, cmd *command.Commander, connected func() bool, signals <-chan struct{}, timeout time.Duration) watchModel {
	in := textinput.New()
	in.Placeholder = "https://..."
	in.CharLimit = 2048
	in.Prompt = "url> "

	m := watchModel{
		ctx:       ctx,
		timeout:   timeout,
		store:     st,
		commander: cmd,
		connected: connected,
		signals:   signals,
		busy:      map[string]string{},
		keys:      newWatchKeyMap(),
		help:      help.New(),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(18), progress.WithoutPercentage()),
		input:     in,
	}
	return m.reload()
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	cfg, common := loadConfig(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.apply(cfg)
	if err != nil {
		return err
	}
	if !stdinIsTTY() {
		return errors.New("watch requires an interactive terminal (TTY); use `jobsync jobs` instead")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := newSyncRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.close()

	signals := make(chan struct{}, 1)
	poke := func() {
		select {
		case signals <- struct{}{}:
		default:
		}
	}
	unsubscribe := rt.store.Subscribe(func(store.Change) { poke() })
	defer unsubscribe()
	offline := rt.transport.OnConnectivity(func(bool) { poke() })
	defer offline()
	rt.start(ctx)

	m := newWatchModel(ctx, rt.store, rt.commander, rt.transport.Connected, signals, cfg.RequestTimeout)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "tty") {
			return errors.New("watch requires an interactive terminal (TTY)")
		}
		return err
	}
	return nil
}

func waitForSignal(signals <-chan struct{}) tea.Cmd {
	if signals == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-signals; !ok {
			return nil
		}
		return jobsChangedMsg{}
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForSignal(m.signals))
}

// reload re-reads the store, keeping the cursor on the same job when it
// still exists.
func (m watchModel) reload() watchModel {
	selected := ""
	if job, ok := m.selected(); ok {
		selected = job.ID
	}
	m.jobs = m.store.List()
	if m.connected != nil {
		m.online = m.connected()
	}
	if selected != "" {
		for i, job := range m.jobs {
			if job.ID == selected {
				m.cursor = i
				return m
			}
		}
	}
	m.cursor = clampInt(m.cursor, 0, max(len(m.jobs)-1, 0))
	return m
}

func (m watchModel) selected() (model.Job, bool) {
	if m.cursor < 0 || m.cursor >= len(m.jobs) {
		return model.Job{}, false
	}
	return m.jobs[m.cursor], true
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil
	case jobsChangedMsg:
		return m.reload(), waitForSignal(m.signals)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case commandDoneMsg:
		delete(m.busy, msg.id)
		m.errored = msg.err != nil
		switch {
		case msg.err != nil:
			m.status = fmt.Sprintf("%s failed: %v", msg.verb, msg.err)
		case msg.newID != "":
			m.status = fmt.Sprintf("%s ok: %s", msg.verb, msg.newID)
		default:
			m.status = fmt.Sprintf("%s ok", msg.verb)
		}
		return m.reload(), nil
	case tea.KeyMsg:
		if m.entering {
			return m.updateInput(msg)
		}
		return m.updateBrowse(msg)
	}
	return m, nil
}

func (m watchModel) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.jobs)-1 {
			m.cursor++
		}
		return m, nil
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.Submit):
		m.entering = true
		m.input.SetValue("")
		return m, m.input.Focus()
	}

	job, ok := m.selected()
	if !ok {
		return m, nil
	}
	var verb string
	switch {
	case key.Matches(msg, m.keys.Cancel):
		verb = "cancel"
		if !model.IsActive(job.Status) || job.Status == model.StatusCancelling {
			return m.refuse("only running jobs can be cancelled")
		}
	case key.Matches(msg, m.keys.Retry):
		verb = "retry"
		if job.Status != model.StatusFailed && job.Status != model.StatusCancelled {
			return m.refuse("only failed or cancelled jobs can be retried")
		}
	case key.Matches(msg, m.keys.Dismiss):
		verb = "dismiss"
		if !model.IsTerminal(job.Status) {
			return m.refuse("only finished jobs can be dismissed")
		}
	case key.Matches(msg, m.keys.Delete):
		verb = "delete"
		if !model.IsTerminal(job.Status) {
			return m.refuse("only finished jobs can be deleted")
		}
	default:
		return m, nil
	}
	if running, busy := m.busy[job.ID]; busy {
		return m.refuse(running + " already in progress")
	}
	m.busy[job.ID] = verb
	m.status = verb + " " + job.DisplayTitle() + "…"
	m.errored = false
	return m, m.runCommand(verb, job.ID)
}

func (m watchModel) refuse(reason string) (tea.Model, tea.Cmd) {
	m.status = reason
	m.errored = true
	return m, nil
}

func (m watchModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc, tea.KeyCtrlC:
		m.entering = false
		m.input.Blur()
		m.status = "submit cancelled"
		m.errored = false
		return m, nil
	case tea.KeyEnter:
		raw := strings.TrimSpace(m.input.Value())
		if raw == "" {
			return m.refuse("url is required")
		}
		m.entering = false
		m.input.Blur()
		m.status = "submitting " + raw + "…"
		m.errored = false
		return m, m.runSubmit(raw)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// runCommand performs the request off the UI goroutine.
func (m watchModel) runCommand(verb, id string) tea.Cmd {
	ctx, cmd, timeout := m.ctx, m.commander, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		done := commandDoneMsg{verb: verb, id: id}
		switch verb {
		case "cancel":
			done.err = cmd.Cancel(ctx, id)
		case "retry":
			done.newID, done.err = cmd.Retry(ctx, id)
		case "dismiss":
			done.err = cmd.Dismiss(id)
		case "delete":
			done.err = cmd.Delete(ctx, id)
		}
		return done
	}
}

func (m watchModel) runSubmit(raw string) tea.Cmd {
	ctx, cmd, timeout := m.ctx, m.commander, m.timeout
	req := submitRequestFor(raw)
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		id, err := cmd.Submit(ctx, req)
		return commandDoneMsg{verb: "submit", newID: id, err: err}
	}
}

func (m watchModel) View() string {
	width := m.width
	if width <= 0 {
		width = 100
	}
	height := m.height
	if height <= 0 {
		height = 30
	}

	badge := watchBadgePoll
	if m.online {
		badge = watchBadgeOnline
	}
	active := 0
	for _, job := range m.jobs {
		if model.IsActive(job.Status) {
			active++
		}
	}
	header := watchTitleStyle.Render("jobsync") + "  " + badge + "  " +
		watchMutedStyle.Render(fmt.Sprintf("%d jobs, %d active", len(m.jobs), active))

	rows := clampInt(height-8, 3, 40)
	body := watchPanelStyle.Width(width - 2).Render(m.renderRows(width-6, rows))

	var footer string
	switch {
	case m.entering:
		footer = m.input.View()
	case m.status != "" && m.errored:
		footer = watchErrorStyle.Render(m.status)
	case m.status != "":
		footer = watchOKStyle.Render(m.status)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer, m.help.View(m.keys))
}

func (m watchModel) renderRows(width, maxRows int) string {
	if len(m.jobs) == 0 {
		return watchMutedStyle.Render("No jobs yet. Press n to submit one.")
	}
	start, end := listWindow(len(m.jobs), m.cursor, maxRows)
	lines := make([]string, 0, end-start+2)
	if start > 0 {
		lines = append(lines, watchMutedStyle.Render("..."))
	}
	for i := start; i < end; i++ {
		line := m.renderRow(m.jobs[i], width)
		if i == m.cursor {
			line = watchSelStyle.Width(width).Render(truncateRunes(m.plainRow(m.jobs[i]), width))
		}
		lines = append(lines, line)
	}
	if end < len(m.jobs) {
		lines = append(lines, watchMutedStyle.Render("..."))
	}
	return strings.Join(lines, "\n")
}

func (m watchModel) statusCell(job model.Job) string {
	mark := "  "
	switch {
	case job.Status == model.StatusCompleted:
		mark = "✓ "
	case job.Status == model.StatusFailed:
		mark = "✗ "
	case job.Status == model.StatusCancelled:
		mark = "- "
	case model.IsActive(job.Status):
		mark = m.spinner.View() + " "
	}
	return mark + fmt.Sprintf("%-17s", job.Status)
}

func (m watchModel) detail(job model.Job) string {
	if running, ok := m.busy[job.ID]; ok {
		return "[" + running + "…]"
	}
	if job.Status == model.StatusFailed && job.Error != "" {
		return job.Error.Label()
	}
	return job.Message
}

func (m watchModel) renderRow(job model.Job, width int) string {
	status := m.statusCell(job)
	switch job.Status {
	case model.StatusFailed:
		status = watchErrorStyle.Render(status)
	case model.StatusCancelling:
		status = watchWarnStyle.Render(status)
	}
	line := status + " " + m.bar.ViewAs(job.Progress/100) + " " + job.DisplayTitle()
	if d := m.detail(job); d != "" {
		line += "  " + watchMutedStyle.Render(d)
	}
	return wrapOrTrim(line, width)
}

// plainRow is the unstyled row used under the selection highlight.
func (m watchModel) plainRow(job model.Job) string {
	line := fmt.Sprintf("%s %4s %s", m.statusCell(job), formatProgress(job.Progress), job.DisplayTitle())
	if d := m.detail(job); d != "" {
		line += "  " + d
	}
	return line
}
