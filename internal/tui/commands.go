package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/handoff/internal/agentcard"
	"github.com/mpataki/handoff/internal/models"
)

// Messages

type sessionsLoadedMsg struct {
	sessions []*models.Session
	err      error
}

type runUpdatedMsg struct {
	run models.Run
}

type runFinishedMsg struct {
	session *models.Session
	err     error
}

type decisionMsg struct {
	err error
}

type sessionDeletedMsg struct {
	id  string
	err error
}

type cardsLoadedMsg struct {
	profiles []agentcard.Profile
}

// Commands

func (a *App) loadSessions() tea.Msg {
	sessions, err := a.pipeline.ListSessions()
	if err != nil {
		return sessionsLoadedMsg{err: err}
	}
	// Newest first.
	out := make([]*models.Session, len(sessions))
	for i, s := range sessions {
		out[len(sessions)-1-i] = s
	}
	return sessionsLoadedMsg{sessions: out}
}

// startRun switches to the live view and drives the run in the background.
// Progress arrives as runUpdatedMsg through the observer.
func (a *App) startRun(prompt string) tea.Cmd {
	a.view = ViewLive
	a.running = true
	a.replay = false
	a.runErr = nil
	a.run = models.Run{Prompt: prompt, Stages: models.NewStageMap(), Active: true}

	return func() tea.Msg {
		sess, err := a.pipeline.StartRun(a.ctx, prompt)
		return runFinishedMsg{session: sess, err: err}
	}
}

func (a *App) startReplay(id string) tea.Cmd {
	a.view = ViewLive
	a.running = true
	a.replay = true
	a.runErr = nil
	a.run = models.Run{Stages: models.NewStageMap(), Active: true}

	return func() tea.Msg {
		sess, err := a.pipeline.Replay(a.ctx, id)
		return runFinishedMsg{session: sess, err: err}
	}
}

func (a *App) approve(content string) tea.Cmd {
	return func() tea.Msg {
		return decisionMsg{err: a.pipeline.Approve(content)}
	}
}

func (a *App) reject(reason string) tea.Cmd {
	return func() tea.Msg {
		return decisionMsg{err: a.pipeline.Reject(reason)}
	}
}

func (a *App) deleteSession(id string) tea.Cmd {
	return func() tea.Msg {
		return sessionDeletedMsg{id: id, err: a.pipeline.DeleteSession(id)}
	}
}

func (a *App) fetchCards() tea.Msg {
	if a.loadCards == nil {
		profiles := make([]agentcard.Profile, 0, len(models.Stages))
		for _, stage := range models.Stages {
			profiles = append(profiles, agentcard.Profile{Stage: stage, Info: agentcard.Builtin(stage)})
		}
		return cardsLoadedMsg{profiles: profiles}
	}
	return cardsLoadedMsg{profiles: a.loadCards(a.ctx)}
}
