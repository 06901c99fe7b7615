package ui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	onionStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	peersStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	senderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	systemStyle = lipgloss.NewStyle().Faint(true)
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	helpStyle   = lipgloss.NewStyle().Faint(true)
	panelStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)
