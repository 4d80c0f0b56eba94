package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("term-engine v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "serve":
		handleServe(args[1:])
	case "attach":
		handleAttach(args[1:])
	case "status":
		handleStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println(`term-engine - terminal session engine

Usage:
  term-engine serve   [-config path] [-listen addr] [-token t] [-read-only] [-debug]
  term-engine attach  [-addr url] [-token t] <session-id>
  term-engine status  [-addr url] [-token t]
  term-engine version

serve runs the engine: PTY sessions, activity detection, and the HTTP/WS API.
attach connects the local terminal to a running session (Ctrl+Q detaches).
status shows an interactive session list.`)
}

// initColorProfile configures the lipgloss color profile from terminal
// capabilities, preferring TrueColor with an ANSI256 fallback.
func initColorProfile() {
	// User override via TERMENGINE_COLOR: truecolor, 256, 16, none.
	if colorEnv := os.Getenv("TERMENGINE_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if colorTerm := os.Getenv("COLORTERM"); colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	term := os.Getenv("TERM")
	trueColorTerms := []string{
		"xterm-256color",
		"screen-256color",
		"tmux-256color",
		"xterm-direct",
		"alacritty",
		"kitty",
		"wezterm",
	}
	for _, t := range trueColorTerms {
		if strings.Contains(term, t) {
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		}
	}

	lipgloss.SetColorProfile(termenv.ANSI256)
}
