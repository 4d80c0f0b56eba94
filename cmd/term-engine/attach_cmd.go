package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

type attachClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type attachServerMessage struct {
	Type     string `json:"type"`
	Event    string `json:"event,omitempty"`
	Message  string `json:"message,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
}

func handleAttach(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:7070", "engine base URL")
	token := fs.String("token", "", "bearer token")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: term-engine attach [-addr url] [-token t] <session-id>")
		os.Exit(1)
	}
	sessionID := fs.Arg(0)

	wsURL := strings.Replace(strings.TrimRight(*addr, "/"), "http", "ws", 1) +
		"/ws/session/" + sessionID

	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			fmt.Fprintf(os.Stderr, "Error: connect failed (status %d)\n", resp.StatusCode)
		} else {
			fmt.Fprintf(os.Stderr, "Error: connect failed: %v\n", err)
		}
		os.Exit(1)
	}
	defer conn.Close()

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: raw mode: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	// Sync the remote PTY to our terminal size before streaming.
	if cols, rows, err := term.GetSize(fd); err == nil {
		_ = conn.WriteJSON(attachClientMessage{Type: "resize", Cols: cols, Rows: rows})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				_, _ = os.Stdout.Write(payload)
			case websocket.TextMessage:
				var msg attachServerMessage
				if json.Unmarshal(payload, &msg) != nil {
					continue
				}
				if msg.Type == "status" && msg.Event == "session_closed" {
					fmt.Fprintf(os.Stderr, "\r\nsession closed (exit %d)\r\n", msg.ExitCode)
					return
				}
			}
		}
	}()

	// Forward stdin until Ctrl+Q or the session closes.
	input := make(chan []byte)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(input)
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			input <- chunk
		}
	}()

	const ctrlQ = 0x11
	for {
		select {
		case <-done:
			return
		case chunk, ok := <-input:
			if !ok {
				return
			}
			if len(chunk) == 1 && chunk[0] == ctrlQ {
				fmt.Fprint(os.Stderr, "\r\ndetached\r\n")
				return
			}
			if err := conn.WriteJSON(attachClientMessage{Type: "input", Data: string(chunk)}); err != nil {
				return
			}
		}
	}
}
