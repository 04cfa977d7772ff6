package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	qrcode "github.com/skip2/go-qrcode"

	"jobsync/internal/qrlogin"
)

type qrStateMsg qrlogin.State

type loginModel struct {
	ctx      context.Context
	manager  *qrlogin.Manager
	updates  <-chan qrlogin.State
	platform string
	session  *qrlogin.Session
	state    qrlogin.State
	spinner  spinner.Model
	width    int
	err      error
}

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	cfg, common := loadConfig(fs)
	platform := fs.String("platform", qrlogin.Platforms[0], "platform: "+strings.Join(qrlogin.Platforms, "|"))
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.apply(cfg)
	if err != nil {
		return err
	}
	if !qrlogin.IsSupported(*platform) {
		return fmt.Errorf("%w: %q (want one of %s)", qrlogin.ErrUnsupportedPlatform, *platform, strings.Join(qrlogin.Platforms, ", "))
	}
	if !stdinIsTTY() {
		return errors.New("login requires an interactive terminal (TTY)")
	}

	logger, logs, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer logs.Close()
	client, err := newAPIClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan qrlogin.State, 1)
	manager := qrlogin.NewManager(client, qrlogin.Options{
		PollInterval: cfg.QRPollInterval,
		TTL:          cfg.QRTTL,
		Logger:       logger,
		OnChange:     latestState(updates),
	})
	defer manager.StopAll()

	m, err := newLoginModel(ctx, manager, updates, *platform)
	if err != nil {
		return err
	}
	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}
	if fm, ok := final.(loginModel); ok && fm.state.Status == qrlogin.StatusSucceeded {
		fmt.Fprintf(stdout, "%s login complete\n", fm.platform)
	}
	return nil
}

// latestState delivers states to ch without blocking, replacing an
// undelivered state with the newer one.
func latestState(ch chan qrlogin.State) func(qrlogin.State) {
	return func(st qrlogin.State) {
		for {
			select {
			case ch <- st:
				return
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	}
}

func newLoginModel(ctx context.Context, manager *qrlogin.Manager, updates <-chan qrlogin.State, platform string) (loginModel, error) {
	m := loginModel{
		ctx:     ctx,
		manager: manager,
		updates: updates,
		spinner: spinner.New(spinner.WithSpinner(spinner.MiniDot)),
	}
	return m.switchTo(platform)
}

// switchTo tears down every other session before the new one starts.
func (m loginModel) switchTo(platform string) (loginModel, error) {
	s, err := m.manager.Switch(m.ctx, platform)
	if err != nil {
		return m, err
	}
	m.platform = platform
	m.session = s
	m.state = s.State()
	m.err = nil
	return m, nil
}

func waitForQRState(updates <-chan qrlogin.State) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		st, ok := <-updates
		if !ok {
			return nil
		}
		return qrStateMsg(st)
	}
}

func (m loginModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForQRState(m.updates))
}

func (m loginModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case qrStateMsg:
		st := qrlogin.State(msg)
		// Closed sessions still report their final idle state.
		if m.session != nil && st.SessionID == m.session.State().SessionID {
			m.state = st
		}
		if m.state.Status == qrlogin.StatusSucceeded {
			return m, tea.Quit
		}
		return m, waitForQRState(m.updates)
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "tab", "shift+tab":
			step := 1
			if msg.String() == "shift+tab" {
				step = len(qrlogin.Platforms) - 1
			}
			idx := slices.Index(qrlogin.Platforms, m.platform)
			next := qrlogin.Platforms[(idx+step)%len(qrlogin.Platforms)]
			nm, err := m.switchTo(next)
			if err != nil {
				m.err = err
				return m, nil
			}
			return nm, nil
		case "r":
			if m.session != nil {
				m.session.Restart()
				m.state = m.session.State()
			}
			return m, nil
		}
	}
	return m, nil
}

func (m loginModel) View() string {
	tabs := make([]string, 0, len(qrlogin.Platforms))
	for _, p := range qrlogin.Platforms {
		if p == m.platform {
			tabs = append(tabs, watchSelStyle.Render(" "+p+" "))
			continue
		}
		tabs = append(tabs, watchMutedStyle.Render(" "+p+" "))
	}
	header := watchTitleStyle.Render("jobsync login") + "  " + strings.Join(tabs, " ")

	var body string
	st := m.state
	switch st.Status {
	case qrlogin.StatusGenerating, qrlogin.StatusIdle:
		body = m.spinner.View() + " requesting a code…"
	case qrlogin.StatusWaiting, qrlogin.StatusScanned:
		body = renderQR(st.QRPayload)
		line := fmt.Sprintf("scan with the %s app · expires in %ds", st.Platform, st.SecondsRemaining)
		if st.Status == qrlogin.StatusScanned {
			line = watchWarnStyle.Render("scanned") + " · confirm on your phone"
		}
		body += "\n" + line
	case qrlogin.StatusSucceeded:
		body = watchOKStyle.Render("logged in")
	case qrlogin.StatusErrored:
		reason := "login failed"
		if st.Err != nil {
			reason = st.Err.Error()
		}
		body = watchErrorStyle.Render(reason) + "\n" + watchMutedStyle.Render("press r to try again")
	}
	if st.Message != "" && st.Status != qrlogin.StatusErrored {
		body += "\n" + watchMutedStyle.Render(st.Message)
	}
	if m.err != nil {
		body += "\n" + watchErrorStyle.Render(m.err.Error())
	}
	help := watchMutedStyle.Render("tab: switch platform | r: new code | q/esc: leave")
	return lipgloss.JoinVertical(lipgloss.Left, header, "", body, "", help)
}

// renderQR draws payload with half blocks, two modules rows per text line.
func renderQR(payload string) string {
	if payload == "" {
		return ""
	}
	code, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return watchErrorStyle.Render("cannot render code: " + err.Error())
	}
	bits := code.Bitmap()
	var b strings.Builder
	for y := 0; y < len(bits); y += 2 {
		for x := range bits[y] {
			top := bits[y][x]
			bottom := y+1 < len(bits) && bits[y+1][x]
			switch {
			case top && bottom:
				b.WriteRune(' ')
			case top:
				b.WriteRune('▄')
			case bottom:
				b.WriteRune('▀')
			default:
				b.WriteRune('█')
			}
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
