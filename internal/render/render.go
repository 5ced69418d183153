// Package render formats sessions, orchestrators and histories for the
// terminal.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/bildir/internal/event"
	"github.com/ShayCichocki/bildir/pkg/models"
)

const (
	iconActive   = "[●]"
	iconIdle     = "[○]"
	iconPaused   = "[◌]"
	iconQuestion = "[?]"
	iconBusy     = "[◐]"
)

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	questionBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("214")).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")) // Green

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Orange

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")) // Gray

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")) // Red

	orchestratorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("75")) // Blue

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// Status renders an orchestrator status with its icon.
func Status(s models.OrchestratorStatus) string {
	switch s {
	case models.OrchestratorActive:
		return activeStyle.Render(iconActive + " active")
	case models.OrchestratorPaused:
		return pausedStyle.Render(iconPaused + " paused")
	default:
		return idleStyle.Render(iconIdle + " " + string(s))
	}
}

// SessionStatus renders busy or idle.
func SessionStatus(s models.SessionStatus) string {
	if s == models.SessionBusy {
		return activeStyle.Render(iconBusy + " busy")
	}
	return idleStyle.Render(iconIdle + " idle")
}

// Orchestrator renders a card with the orchestrator's settings and state.
func Orchestrator(o *models.Orchestrator) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(o.Name))
	b.WriteString("  ")
	b.WriteString(Status(o.Status))
	b.WriteString("\n")

	field(&b, "ID", o.ID)
	field(&b, "Provider", o.Provider)
	field(&b, "Goal", o.Goal)
	field(&b, "Sessions", strings.Join(o.ManagedSessions, ", "))
	if o.WorkDir != "" {
		field(&b, "Workdir", o.WorkDir)
	}
	if o.Rules != "" {
		field(&b, "Rules", "custom")
	}
	if o.BasePrompt != "" {
		field(&b, "Base prompt", "custom")
	}
	if o.LastAction != "" {
		last := o.LastAction
		if o.LastDecisionAt != nil {
			last += " (" + Ago(*o.LastDecisionAt) + " ago)"
		}
		field(&b, "Last action", last)
	}
	card := boxStyle.Render(strings.TrimRight(b.String(), "\n"))
	if o.PendingQuestion != nil {
		card += "\n" + Question(o.PendingQuestion)
	}
	return card
}

// Question renders a pending question attributed to its target session.
func Question(q *models.PendingQuestion) string {
	var b strings.Builder
	b.WriteString(pausedStyle.Render(iconQuestion + " " + q.TargetSession + " asks"))
	b.WriteString("\n")
	b.WriteString(valueStyle.Render(q.Question))
	if !q.AskedAt.IsZero() {
		b.WriteString("\n")
		b.WriteString(timeStyle.Render(Ago(q.AskedAt) + " ago"))
	}
	return questionBoxStyle.Render(b.String())
}

// Session renders one line per session.
func Session(s *models.Session) string {
	owner := "-"
	if s.Owned() {
		owner = shortID(s.OrchestratorID)
	}
	return fmt.Sprintf("%s  %s  %s  %s",
		titleStyle.Render(s.Name),
		valueStyle.Render(s.Provider),
		labelStyle.Render("owner "+owner),
		labelStyle.Render(s.WorkDir))
}

// History renders messages oldest first with role labels.
func History(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(timeStyle.Render(m.Timestamp.Local().Format("15:04:05")))
		b.WriteString(" ")
		b.WriteString(roleStyle(m).Render("[" + m.Label() + "]"))
		b.WriteString(" ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Decisions renders decision log entries.
func Decisions(recs []models.DecisionRecord) string {
	var b strings.Builder
	for _, r := range recs {
		b.WriteString(timeStyle.Render(r.CreatedAt.Local().Format("2006-01-02 15:04:05")))
		b.WriteString(" ")
		b.WriteString(titleStyle.Render(r.Action))
		if r.TriggerSession != "" {
			b.WriteString(labelStyle.Render(" on " + r.TriggerSession))
		}
		if r.TargetSession != "" {
			b.WriteString(labelStyle.Render(" -> " + r.TargetSession))
		}
		if r.Text != "" {
			b.WriteString(": ")
			b.WriteString(Truncate(r.Text, 200))
		}
		if r.Reason != "" {
			b.WriteString(labelStyle.Render(" (" + Truncate(r.Reason, 120) + ")"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func roleStyle(m models.Message) lipgloss.Style {
	switch m.Role {
	case models.RoleError:
		return errorStyle
	case models.RoleAssistant:
		return activeStyle
	case models.RoleSystem:
		return orchestratorStyle
	default:
		return valueStyle
	}
}

func field(b *strings.Builder, label, value string) {
	if value == "" {
		value = "-"
	}
	b.WriteString(labelStyle.Render(label + ": "))
	b.WriteString(valueStyle.Render(value))
	b.WriteString("\n")
}

// Event renders one bus event as a single line.
func Event(e event.Event) string {
	ts := timeStyle.Render(e.Timestamp.Local().Format("15:04:05"))
	switch e.Type {
	case event.TypeSessionStatus:
		return fmt.Sprintf("%s %s %s", ts, titleStyle.Render(e.Session), SessionStatus(e.To))
	case event.TypeSessionMessage:
		if e.Message == nil {
			break
		}
		return fmt.Sprintf("%s %s %s %s", ts, titleStyle.Render(e.Session),
			roleStyle(*e.Message).Render("["+e.Message.Label()+"]"), Truncate(e.Message.Text, 160))
	case event.TypeOrchestratorDecision:
		if e.Decision == nil {
			break
		}
		line := fmt.Sprintf("%s %s %s", ts, orchestratorStyle.Render("orchestrator "+shortID(e.OrchestratorID)),
			titleStyle.Render(string(e.Decision.Action)))
		if e.Decision.TargetSession != "" {
			line += labelStyle.Render(" -> " + e.Decision.TargetSession)
		}
		return line
	case event.TypeOrchestratorQuestion:
		if e.Question == nil {
			break
		}
		return ts + "\n" + Question(e.Question)
	}
	return fmt.Sprintf("%s %s %s", ts, labelStyle.Render(string(e.Type)), e.Session)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Truncate shortens s to at most n runes, marking the cut.
func Truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// Ago formats the time since t compactly.
func Ago(t time.Time) string {
	d := time.Since(t)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
