package report

import "github.com/charmbracelet/lipgloss"

var (
	colorPurple = lipgloss.Color("#7D56F4")
	colorGreen  = lipgloss.Color("#04B575")
	colorRed    = lipgloss.Color("#FF4141")
	colorYellow = lipgloss.Color("#FFC107")
	colorGray   = lipgloss.Color("#626262")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleHeader = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			Padding(0, 1)

	styleCell = lipgloss.NewStyle().Padding(0, 1)

	styleMuted = lipgloss.NewStyle().Foreground(colorGray)

	styleOK = lipgloss.NewStyle().
		Foreground(colorGreen).
		Bold(true)

	styleWarn = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleBorder = lipgloss.NewStyle().Foreground(colorGray)
)
