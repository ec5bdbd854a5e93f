package main

import (
	"fmt"
	"strings"

	"agentfleet/backend/app/models"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("#25A065")).Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

func errorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func successMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func machineRows(ms []models.AgentMachine) [][]string {
	rows := make([][]string, len(ms))
	for i, m := range ms {
		activity := "-"
		if m.LastActivityAt != nil || m.LastWakeAt != nil {
			activity = m.EffectiveActivity().Format("2006-01-02 15:04")
		}
		rows[i] = []string{
			fmt.Sprint(m.ID),
			m.UserID,
			string(m.Status),
			orDash(m.MachineID),
			orDash(m.FlyVolumeID),
			m.Region,
			activity,
			orDash(m.LastError),
		}
	}
	return rows
}

var machineHeaders = []string{"ID", "User", "Status", "Machine", "Volume", "Region", "Activity", "Error"}

func renderMachine(m *models.AgentMachine) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Agent %s (machine record %d)", m.AgentKey(), m.ID)) + "\n")
	pairs := [][2]string{
		{"status", string(m.Status)},
		{"mode", orDash(string(m.LifecycleMode))},
		{"machine", orDash(m.MachineID)},
		{"volume", orDash(m.FlyVolumeID)},
		{"region", m.Region},
		{"memory", fmt.Sprintf("%d MB", m.MemoryMB)},
		{"skills", strings.Join(m.AllowedSkills, ", ")},
		{"last error", orDash(m.LastError)},
	}
	if m.LatestSnapshotID != nil {
		pairs = append(pairs, [2]string{"snapshot", fmt.Sprint(*m.LatestSnapshotID)})
	}
	for _, p := range pairs {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("%-11s", p[0]+":")) + " " + p[1] + "\n")
	}
	return b.String()
}
