package appwiring

import "github.com/charmbracelet/lipgloss"

// Header styles a cmd/ binary's startup banner.
var Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))

// Muted styles secondary banner text (commit/build metadata).
var Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
