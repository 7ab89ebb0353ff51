package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/noton/realtime/internal/tui/app"
	"github.com/noton/realtime/internal/tui/client"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:3003/presence", "WebSocket URL of the presence endpoint")
	token := flag.String("token", os.Getenv("REALTIME_TOKEN"), "Bearer token (defaults to $REALTIME_TOKEN)")
	doc := flag.String("doc", "", "Document to join on connect")
	self := flag.String("user", "", "Your user id, highlighted in the viewer list")
	logPath := flag.String("log", "", "Write debug logs to this file")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: --token or REALTIME_TOKEN is required")
		os.Exit(2)
	}

	// The terminal belongs to the UI; logs go to a file or nowhere.
	var logOut io.Writer = io.Discard
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logOut = f
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ws := client.NewWSClient(*wsURL, *token, *doc)
	defer ws.Close()

	m := app.New(ws, *self)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
