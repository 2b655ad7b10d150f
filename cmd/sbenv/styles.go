package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/OpenMined/sbenv/internal/registry"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFD700"))

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	portStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5599FF"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4444"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusOther   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAA00"))
)

func renderStatus(s registry.Status) string {
	switch s {
	case registry.StatusRunning:
		return statusRunning.Render(string(s))
	case registry.StatusStopped:
		return statusStopped.Render(string(s))
	default:
		return statusOther.Render(string(s))
	}
}
