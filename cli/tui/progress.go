package tui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/refinewatch/tracker"
	"github.com/pithecene-io/refinewatch/types"
)

// feedBuffer is the per-attempt update buffer. A slow terminal drops
// intermediate updates; the next one carries the full state.
const feedBuffer = 64

// stateMsg carries a tracker update into the model.
type stateMsg struct {
	meta  types.SessionMeta
	state tracker.State
}

// doneMsg ends the live view with the session outcome.
type doneMsg struct {
	outcome string
	message string
}

// ProgressModel is the live Bubble Tea view of a running session.
type ProgressModel struct {
	meta     types.SessionMeta
	state    tracker.State
	bar      progress.Model
	spinner  spinner.Model
	onCancel func()

	done     bool
	outcome  string
	message  string
	width    int
	quitting bool
}

// NewProgressModel creates a live model. onCancel runs when the user quits
// before the session ends.
func NewProgressModel(onCancel func()) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = BarStyle
	return ProgressModel{
		bar:      progress.New(progress.WithDefaultGradient()),
		spinner:  s,
		onCancel: onCancel,
	}
}

// Init implements tea.Model.
func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(msg.Width-8, 60))
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			if !m.done && m.onCancel != nil {
				m.onCancel()
			}
			return m, tea.Quit
		}

	case stateMsg:
		m.meta = msg.meta
		m.state = msg.state
		return m, nil

	case doneMsg:
		m.done = true
		m.outcome = msg.outcome
		m.message = msg.message
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// Percent is the completed share of the target passes.
func (m ProgressModel) Percent() float64 {
	target := m.state.TargetPasses()
	if target == 0 {
		return 0
	}
	return min(1, float64(m.state.CompletedPasses())/float64(target))
}

// View implements tea.Model.
func (m ProgressModel) View() string {
	var b strings.Builder

	header := "refining"
	if m.meta.Attempt > 1 {
		header = fmt.Sprintf("refining (attempt %d)", m.meta.Attempt)
	}
	if m.done {
		b.WriteString(StateStyle(m.outcome).Render(m.outcome))
	} else {
		b.WriteString(m.spinner.View() + " " + header)
	}
	b.WriteString("\n\n")
	b.WriteString(m.bar.ViewAs(m.Percent()))
	b.WriteString("\n\n")
	b.WriteString(renderJob(m.state))

	if m.message != "" {
		b.WriteString("\n" + ValueStyle.Render(m.message))
	}
	if !m.done && !m.quitting {
		b.WriteString(HelpStyle.Render("Press q or Ctrl+C to cancel"))
	}
	return b.String()
}

// Progress drives a ProgressModel from tracker feeds.
type Progress struct {
	program *tea.Program

	mu    sync.Mutex
	feeds sync.WaitGroup
}

// NewProgress creates a live view. onCancel runs when the user quits
// before the session ends.
func NewProgress(onCancel func(), opts ...tea.ProgramOption) *Progress {
	return &Progress{
		program: tea.NewProgram(NewProgressModel(onCancel), opts...),
	}
}

// Attach subscribes to an attempt's tracker. Its signature matches the
// session attempt hook.
func (p *Progress) Attach(meta types.SessionMeta, trk *tracker.Tracker) {
	feed := trk.Subscribe(feedBuffer)
	p.program.Send(stateMsg{meta: meta, state: trk.State()})

	p.mu.Lock()
	p.feeds.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.feeds.Done()
		for u := range feed.C() {
			p.program.Send(stateMsg{meta: meta, state: u.State})
		}
	}()
}

// Finish ends the view with the session outcome once every feed drained.
func (p *Progress) Finish(outcome, message string) {
	p.mu.Lock()
	p.feeds.Wait()
	p.mu.Unlock()
	p.program.Send(doneMsg{outcome: outcome, message: message})
}

// Run blocks until the view quits.
func (p *Progress) Run() error {
	_, err := p.program.Run()
	return err
}
