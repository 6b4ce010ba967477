package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/handoff/internal/agentcard"
	"github.com/mpataki/handoff/internal/models"
)

type View int

const (
	ViewSessions View = iota
	ViewSessionDetail
	ViewNewRun
	ViewLive
	ViewApproval
	ViewCards
)

// errEmptyEdit keeps an emptied editor from approving the reviewed content.
var errEmptyEdit = errors.New("edited content is empty")

type approvalMode int

const (
	approvalChoose approvalMode = iota
	approvalEdit
	approvalReject
)

// Pipeline is what the dashboard drives. *orchestrator.Orchestrator
// satisfies it.
type Pipeline interface {
	StartRun(ctx context.Context, prompt string) (*models.Session, error)
	Replay(ctx context.Context, id string) (*models.Session, error)
	Approve(finalContent string) error
	Reject(reason string) error
	Snapshot() models.Run
	Active() bool
	ListSessions() ([]*models.Session, error)
	DeleteSession(id string) error
	SetObserver(fn func(models.Run))
}

// CardLoader fetches agent cards for display.
type CardLoader func(ctx context.Context) []agentcard.Profile

type App struct {
	pipeline  Pipeline
	loadCards CardLoader
	ctx       context.Context

	view        View
	sessions    []*models.Session
	selectedIdx int
	selected    *models.Session
	cards       []agentcard.Profile

	run     models.Run
	running bool
	replay  bool
	runErr  error
	lastID  string

	prompt   textinput.Model
	editor   textarea.Model
	reason   textinput.Model
	mode     approvalMode
	spinner  spinner.Model
	loadingC bool

	width  int
	height int
	err    error
}

func NewApp(ctx context.Context, pipeline Pipeline, loadCards CardLoader) *App {
	prompt := textinput.New()
	prompt.Placeholder = "Create a patient-friendly presentation on diabetes management"
	prompt.CharLimit = 2000
	prompt.Width = 72

	editor := textarea.New()
	editor.ShowLineNumbers = false
	editor.SetWidth(80)
	editor.SetHeight(12)

	reason := textinput.New()
	reason.Placeholder = "Reason for rejecting"
	reason.Width = 72

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusWorking

	return &App{
		pipeline:  pipeline,
		loadCards: loadCards,
		ctx:       ctx,
		view:      ViewSessions,
		run:       models.Run{Stages: models.NewStageMap()},
		prompt:    prompt,
		editor:    editor,
		reason:    reason,
		spinner:   sp,
	}
}

// Run starts the dashboard and blocks until it exits.
func Run(ctx context.Context, pipeline Pipeline, loadCards CardLoader) error {
	app := NewApp(ctx, pipeline, loadCards)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))

	pipeline.SetObserver(func(run models.Run) {
		p.Send(runUpdatedMsg{run: run})
	})
	defer pipeline.SetObserver(nil)

	_, err := p.Run()
	return err
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadSessions, a.spinner.Tick)
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		if msg.Width > 8 {
			a.editor.SetWidth(min(msg.Width-4, 100))
		}
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case sessionsLoadedMsg:
		a.sessions = msg.sessions
		a.err = msg.err
		if a.selectedIdx >= len(a.sessions) {
			a.selectedIdx = max(len(a.sessions)-1, 0)
		}
		return a, nil

	case runUpdatedMsg:
		return a.applyRun(msg.run)

	case runFinishedMsg:
		a.running = false
		a.runErr = msg.err
		a.run = a.pipeline.Snapshot()
		if msg.session != nil {
			a.lastID = msg.session.ID
		}
		if a.view == ViewApproval {
			a.view = ViewLive
		}
		return a, a.loadSessions

	case decisionMsg:
		a.err = msg.err
		if msg.err == nil {
			a.mode = approvalChoose
			a.view = ViewLive
		}
		return a, nil

	case sessionDeletedMsg:
		a.err = msg.err
		return a, a.loadSessions

	case cardsLoadedMsg:
		a.loadingC = false
		a.cards = msg.profiles
		return a, nil
	}

	return a, nil
}

// applyRun takes a new snapshot and follows the approval request in and out
// of view.
func (a *App) applyRun(run models.Run) (tea.Model, tea.Cmd) {
	a.run = run
	switch {
	case run.Approval != nil && a.view == ViewLive:
		a.view = ViewApproval
		a.mode = approvalChoose
		a.editor.SetValue(run.Approval.Content)
	case run.Approval == nil && a.view == ViewApproval:
		a.view = ViewLive
		a.mode = approvalChoose
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}

	switch a.view {
	case ViewSessions:
		return a.handleSessionsKey(msg)
	case ViewSessionDetail:
		return a.handleDetailKey(msg)
	case ViewNewRun:
		return a.handleNewRunKey(msg)
	case ViewLive:
		return a.handleLiveKey(msg)
	case ViewApproval:
		return a.handleApprovalKey(msg)
	case ViewCards:
		return a.handleCardsKey(msg)
	}
	return a, nil
}

func (a *App) handleSessionsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.sessions)-1 {
			a.selectedIdx++
		}

	case "enter":
		if sess := a.current(); sess != nil {
			a.selected = sess
			a.view = ViewSessionDetail
		}

	case "n":
		if a.pipeline.Active() {
			a.view = ViewLive
			return a, nil
		}
		a.prompt.Reset()
		a.view = ViewNewRun
		return a, a.prompt.Focus()

	case "l":
		a.view = a.liveView()

	case "p":
		if sess := a.current(); sess != nil {
			return a, a.startReplay(sess.ID)
		}

	case "c":
		a.view = ViewCards
		if a.cards == nil && !a.loadingC {
			a.loadingC = true
			return a, a.fetchCards
		}

	case "r":
		return a, a.loadSessions

	case "d":
		if sess := a.current(); sess != nil {
			return a, a.deleteSession(sess.ID)
		}
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewSessions
		a.selected = nil

	case "p":
		if a.selected != nil {
			return a, a.startReplay(a.selected.ID)
		}
	}
	return a, nil
}

func (a *App) handleNewRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.prompt.Blur()
		a.view = ViewSessions
		return a, nil

	case "enter":
		prompt := a.prompt.Value()
		if prompt == "" {
			return a, nil
		}
		a.prompt.Blur()
		return a, a.startRun(prompt)
	}

	var cmd tea.Cmd
	a.prompt, cmd = a.prompt.Update(msg)
	return a, cmd
}

func (a *App) handleLiveKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewSessions
		return a, a.loadSessions

	case "a":
		if a.run.Approval != nil {
			a.view = ViewApproval
			a.mode = approvalChoose
		}
	}
	return a, nil
}

func (a *App) handleApprovalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.mode {
	case approvalEdit:
		switch msg.String() {
		case "esc":
			a.editor.Blur()
			a.mode = approvalChoose
			return a, nil
		case "ctrl+s":
			if strings.TrimSpace(a.editor.Value()) == "" {
				a.err = errEmptyEdit
				return a, nil
			}
			a.err = nil
			a.editor.Blur()
			return a, a.approve(a.editor.Value())
		}
		var cmd tea.Cmd
		a.editor, cmd = a.editor.Update(msg)
		return a, cmd

	case approvalReject:
		switch msg.String() {
		case "esc":
			a.reason.Blur()
			a.mode = approvalChoose
			return a, nil
		case "enter":
			a.reason.Blur()
			return a, a.reject(a.reason.Value())
		}
		var cmd tea.Cmd
		a.reason, cmd = a.reason.Update(msg)
		return a, cmd
	}

	switch msg.String() {
	case "y", "a":
		return a, a.approve("")
	case "e":
		a.mode = approvalEdit
		return a, a.editor.Focus()
	case "r", "x":
		a.mode = approvalReject
		a.reason.Reset()
		return a, a.reason.Focus()
	case "esc":
		a.view = ViewLive
	}
	return a, nil
}

func (a *App) handleCardsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewSessions
	case "r":
		if !a.loadingC {
			a.loadingC = true
			return a, a.fetchCards
		}
	}
	return a, nil
}

func (a *App) current() *models.Session {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.sessions) {
		return nil
	}
	return a.sessions[a.selectedIdx]
}

func (a *App) liveView() View {
	if a.run.Approval != nil {
		return ViewApproval
	}
	return ViewLive
}

func (a *App) View() string {
	var s string
	switch a.view {
	case ViewSessions:
		s = a.viewSessions()
	case ViewSessionDetail:
		s = a.viewSessionDetail()
	case ViewNewRun:
		s = a.viewNewRun()
	case ViewLive:
		s = a.viewLive()
	case ViewApproval:
		s = a.viewApproval()
	case ViewCards:
		s = a.viewCards()
	}
	if a.width > 0 {
		return lipgloss.NewStyle().MaxWidth(a.width).Render(s)
	}
	return s
}
