package ui

import (
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/asheshgoplani/term-engine/internal/logging"
)

var uiLog = logging.ForComponent(logging.CompUI)

// Theme represents the current color scheme
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

var currentTheme Theme = ThemeDark

// Dark palette - Tokyo Night
var darkColors = struct {
	Bg, Surface, Border, Text, TextDim lipgloss.Color
	Accent, Green, Yellow, Red         lipgloss.Color
}{
	Bg:      lipgloss.Color("#1a1b26"),
	Surface: lipgloss.Color("#24283b"),
	Border:  lipgloss.Color("#414868"),
	Text:    lipgloss.Color("#c0caf5"),
	TextDim: lipgloss.Color("#787fa0"),
	Accent:  lipgloss.Color("#7aa2f7"),
	Green:   lipgloss.Color("#9ece6a"),
	Yellow:  lipgloss.Color("#e0af68"),
	Red:     lipgloss.Color("#f7768e"),
}

// Light palette - Tokyo Night Light variant
var lightColors = struct {
	Bg, Surface, Border, Text, TextDim lipgloss.Color
	Accent, Green, Yellow, Red         lipgloss.Color
}{
	Bg:      lipgloss.Color("#d5d6db"),
	Surface: lipgloss.Color("#e9e9ec"),
	Border:  lipgloss.Color("#9699a3"),
	Text:    lipgloss.Color("#343b58"),
	TextDim: lipgloss.Color("#6a6d7c"),
	Accent:  lipgloss.Color("#34548a"),
	Green:   lipgloss.Color("#485e30"),
	Yellow:  lipgloss.Color("#8f5e15"),
	Red:     lipgloss.Color("#8c4351"),
}

// Active color variables (set by InitTheme)
var (
	ColorBg      lipgloss.Color
	ColorSurface lipgloss.Color
	ColorBorder  lipgloss.Color
	ColorText    lipgloss.Color
	ColorTextDim lipgloss.Color
	ColorAccent  lipgloss.Color
	ColorGreen   lipgloss.Color
	ColorYellow  lipgloss.Color
	ColorRed     lipgloss.Color
)

// themeMu protects the global color/style variables during live theme
// switches.
var themeMu sync.RWMutex

// Styles rebuilt by initStyles on every theme change.
var (
	headerStyle   lipgloss.Style
	filterStyle   lipgloss.Style
	rowStyle      lipgloss.Style
	selectedStyle lipgloss.Style
	dimStyle      lipgloss.Style
	errStyle      lipgloss.Style
)

// InitTheme sets the active palette. Must be called before rendering.
func InitTheme(theme string) {
	themeMu.Lock()
	defer themeMu.Unlock()
	c := darkColors
	currentTheme = ThemeDark
	if theme == "light" {
		c = lightColors
		currentTheme = ThemeLight
	}
	ColorBg = c.Bg
	ColorSurface = c.Surface
	ColorBorder = c.Border
	ColorText = c.Text
	ColorTextDim = c.TextDim
	ColorAccent = c.Accent
	ColorGreen = c.Green
	ColorYellow = c.Yellow
	ColorRed = c.Red
	initStyles()
}

// GetCurrentTheme returns the active theme
func GetCurrentTheme() Theme {
	return currentTheme
}

func initStyles() {
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	filterStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1)
	rowStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(ColorText)
	selectedStyle = lipgloss.NewStyle().
		Padding(0, 1).
		Background(ColorAccent).
		Foreground(ColorBg)
	dimStyle = lipgloss.NewStyle().Foreground(ColorTextDim)
	errStyle = lipgloss.NewStyle().Foreground(ColorRed)
}

// StateColor maps a session state to its badge color.
func StateColor(state string) lipgloss.Color {
	themeMu.RLock()
	defer themeMu.RUnlock()
	switch state {
	case "working":
		return ColorAccent
	case "waiting":
		return ColorYellow
	case "completed":
		return ColorGreen
	case "failed":
		return ColorRed
	default:
		return ColorTextDim
	}
}

func init() {
	InitTheme("dark")
}
