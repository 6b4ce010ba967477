package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/handoff/internal/agentcard"
	"github.com/mpataki/handoff/internal/models"
	"github.com/mpataki/handoff/internal/storage"
)

const maxLogLines = 12

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusWorking   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusAwaiting  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusQueued    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

func (a *App) viewSessions() string {
	s := titleStyle.Render("Handoff") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}
	if a.pipeline.Active() {
		s += statusWorking.Render(a.spinner.View()+" run in progress") + dimStyle.Render("  [l] view") + "\n\n"
	}

	if len(a.sessions) == 0 {
		s += "No sessions yet. Press 'n' to start a run.\n"
	} else {
		s += "Sessions\n"
		s += "────────\n"

		for i, sess := range a.sessions {
			line := formatSessionLine(sess)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[n] new run  [enter] view  [p] replay  [d] delete  [c] agent cards  [r] refresh  [q] quit")
	return s
}

func formatSessionLine(sess *models.Session) string {
	route := "research"
	if sess.FinalStages[models.StageResearch] == models.StageSkipped {
		route = "direct"
	}
	return fmt.Sprintf("%-8s %-8s %-9s %s", shortID(sess.ID), storage.FormatTimeAgo(sess.Timestamp), route, truncate(sess.Prompt, 50))
}

func (a *App) viewSessionDetail() string {
	sess := a.selected
	if sess == nil {
		return "No session selected"
	}

	s := titleStyle.Render("Session "+shortID(sess.ID)) + "  " + dimStyle.Render(sess.Timestamp.Local().Format("Jan 2 15:04")) + "\n\n"
	s += sess.Prompt + "\n\n"
	s += renderStages(sess.FinalStages, "") + "\n\n"
	s += renderArtifacts(sess.Artifacts) + "\n"
	s += renderLog(sess.Log) + "\n"
	s += helpStyle.Render("[p] replay  [esc] back")
	return s
}

func (a *App) viewNewRun() string {
	s := titleStyle.Render("New Run") + "\n\n"
	s += "Prompt\n"
	s += a.prompt.View() + "\n\n"
	s += helpStyle.Render("[enter] start  [esc] cancel")
	return s
}

func (a *App) viewLive() string {
	title := "Live Run"
	if a.replay {
		title = "Replay"
	}
	s := titleStyle.Render(title)
	switch {
	case a.running:
		s += "  " + statusWorking.Render(a.spinner.View())
	case a.runErr != nil:
		s += "  " + statusFailed.Render("✗ failed")
	case a.lastID != "":
		s += "  " + statusCompleted.Render("✓ saved as "+shortID(a.lastID))
	}
	s += "\n\n"

	if a.run.Prompt != "" {
		s += a.run.Prompt + "\n"
	}
	if a.run.ContextID != "" {
		s += labelStyle.Render("Context: ") + dimStyle.Render(a.run.ContextID) + "\n"
	}
	s += "\n" + renderStages(a.run.Stages, a.spinner.View()) + "\n\n"

	if a.runErr != nil {
		s += statusFailed.Render(a.runErr.Error()) + "\n\n"
	}
	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	s += renderArtifacts(a.run.Artifacts) + "\n"
	s += renderLog(a.run.Log) + "\n"

	help := "[esc] back"
	if a.run.Approval != nil {
		help = "[a] review approval  " + help
	}
	s += helpStyle.Render(help)
	return s
}

func (a *App) viewApproval() string {
	req := a.run.Approval
	if req == nil {
		return a.viewLive()
	}

	s := titleStyle.Render("Approval Required") + "  " + dimStyle.Render("requested "+formatDuration(time.Since(req.RequestedAt))+" ago") + "\n\n"
	s += "Review finished. Approve the content the presentation stage will receive.\n\n"
	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	switch a.mode {
	case approvalEdit:
		s += a.editor.View() + "\n\n"
		s += helpStyle.Render("[ctrl+s] approve edited  [esc] back")
	case approvalReject:
		s += boxStyle.Render(truncateLines(req.Content, 10)) + "\n\n"
		s += a.reason.View() + "\n\n"
		s += helpStyle.Render("[enter] reject  [esc] back")
	default:
		s += boxStyle.Render(truncateLines(req.Content, 16)) + "\n\n"
		s += helpStyle.Render("[y] approve  [e] edit  [r] reject  [esc] live view")
	}
	return s
}

func (a *App) viewCards() string {
	s := titleStyle.Render("Agent Cards") + "\n\n"
	if a.loadingC {
		return s + a.spinner.View() + " fetching agent cards...\n"
	}

	for _, p := range a.cards {
		name := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(p.Info.Color)).Render(p.Name())
		body := name + "  " + dimStyle.Render(p.Info.Role) + "\n" + p.Description()

		if p.Card != nil {
			for _, skill := range p.Card.Skills {
				body += "\n  • " + skill.Name
				if skill.Description != "" {
					body += dimStyle.Render(" - " + skill.Description)
				}
			}
		} else {
			body += "\n" + dimStyle.Render("built-in description (card unavailable)")
		}
		s += boxStyle.Render(body) + "\n"
	}

	s += "\n" + helpStyle.Render("[r] refresh  [esc] back")
	return s
}

func renderStages(stages map[models.StageName]models.StageState, spin string) string {
	parts := make([]string, 0, len(models.Stages))
	for _, stage := range models.Stages {
		name := lipgloss.NewStyle().Foreground(lipgloss.Color(agentcard.Builtin(stage).Color)).Render(stage.Label())
		parts = append(parts, name+" "+formatState(stages[stage], spin))
	}
	return strings.Join(parts, dimStyle.Render("  →  "))
}

func formatState(state models.StageState, spin string) string {
	switch state {
	case models.StageWorking:
		if spin == "" {
			spin = "●"
		}
		return statusWorking.Render(spin + " working")
	case models.StageAwaitingInput:
		return statusAwaiting.Render("⏸ awaiting approval")
	case models.StageCompleted:
		return statusCompleted.Render("✓ completed")
	case models.StageFailed:
		return statusFailed.Render("✗ failed")
	case models.StageSkipped:
		return dimStyle.Render("– skipped")
	default:
		return statusQueued.Render("○ queued")
	}
}

func renderArtifacts(artifacts []models.Artifact) string {
	s := "Artifacts\n─────────\n"
	if len(artifacts) == 0 {
		return s + dimStyle.Render("(none yet)") + "\n"
	}
	for _, art := range artifacts {
		s += fmt.Sprintf("%-16s %s  %s\n", art.Title(), dimStyle.Render(string(art.Stage)), artifactDetail(art))
	}
	return s
}

func artifactDetail(art models.Artifact) string {
	switch art.Kind {
	case models.ArtifactGammaDeck:
		return art.URL
	case models.ArtifactRouteDecision:
		return art.Route
	case models.ArtifactStageError:
		return statusFailed.Render(art.Message)
	}
	keys := make([]string, 0, len(art.Data))
	for k := range art.Data {
		keys = append(keys, k)
	}
	return dimStyle.Render(truncate(strings.Join(keys, ", "), 50))
}

func renderLog(log []models.LogEntry) string {
	s := "Activity\n────────\n"
	if len(log) == 0 {
		return s + dimStyle.Render("(empty)") + "\n"
	}
	for i, entry := range log {
		if i == maxLogLines {
			s += dimStyle.Render(fmt.Sprintf("… %d older entries", len(log)-maxLogLines)) + "\n"
			break
		}
		s += dimStyle.Render(entry.Time.Local().Format("15:04:05")) + "  " + entry.Title
		if entry.Description != "" {
			s += dimStyle.Render("  " + truncate(entry.Description, 70))
		}
		s += "\n"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

func truncateLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[:maxLines], "\n") + "\n" + dimStyle.Render(fmt.Sprintf("… %d more lines", len(lines)-maxLines))
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
