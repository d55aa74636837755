package ui

import "github.com/charmbracelet/lipgloss"

// Styles defines all lipgloss styles used in the CLI
var Styles = struct {
	Bold   lipgloss.Style
	Header lipgloss.Style
	Cell   lipgloss.Style
	Muted  lipgloss.Style
	Border lipgloss.Style
	Title  lipgloss.Style
}{
	Bold: lipgloss.NewStyle().Bold(true),

	Header: lipgloss.NewStyle().
		Foreground(lipgloss.Color("86")).
		Bold(true).
		Padding(0, 1),

	Cell: lipgloss.NewStyle().Padding(0, 1),

	Muted: lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Padding(0, 1),

	Border: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),

	Title: lipgloss.NewStyle().
		Foreground(lipgloss.Color("86")).
		Bold(true).
		MarginBottom(1),
}
