package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	dark "github.com/thiagokokada/dark-mode-go"

	"github.com/asheshgoplani/term-engine/internal/ui"
)

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:7070", "engine base URL")
	token := fs.String("token", "", "bearer token")
	_ = fs.Parse(args)

	initColorProfile()

	theme := "dark"
	if isDark, err := dark.IsDarkMode(); err == nil && !isDark {
		theme = "light"
	}
	ui.InitTheme(theme)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := ui.NewThemeWatcher(ctx)
	if watcher != nil {
		defer watcher.Close()
	}

	client := ui.NewStatusClient(*addr, *token)
	model := ui.NewStatusModel(client, watcher)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
