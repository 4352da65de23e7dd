package report

import "github.com/charmbracelet/lipgloss"

var Styles = struct {
	Strategy lipgloss.Style
	Success  lipgloss.Style
	Error    lipgloss.Style
}{
	Strategy: lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#7D56F4")),
	Success: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
	Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
}
