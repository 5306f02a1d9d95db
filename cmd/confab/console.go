package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/confab-net/confab/internal/client"
)

// runConsole pumps server events to stdout and stdin lines to the
// conference until the user quits or the connection drops.
func runConsole(eng *client.Engine) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range eng.Events() {
			printEvent(ev)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	leave := func() {
		fmt.Println("Leaving conference...")
		eng.Leave()
		<-done
	}

	for {
		select {
		case <-done:
			fmt.Println("Connection closed.")
			eng.Close()
			return
		case <-sigChan:
			fmt.Println()
			leave()
			return
		case line, ok := <-lines:
			if !ok {
				leave()
				return
			}
			if handleLine(eng, line) {
				leave()
				return
			}
		}
	}
}

// handleLine runs one console line. Plain text is chat; a leading slash
// selects a command. Returns true when the user asked to quit.
func handleLine(eng *client.Engine, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		if err := eng.SendChat(line); err != nil {
			fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/leave":
		return true

	case "/users":
		for _, u := range eng.Roster() {
			fmt.Printf("  %s  %s\n", u.Name, u.Addr)
		}

	case "/msg":
		if len(fields) < 3 {
			fmt.Println("Usage: /msg <name> <text>")
			break
		}
		if err := eng.SendPrivate(fields[1], strings.Join(fields[2:], " ")); err != nil {
			fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		}

	case "/wave":
		gesture := "wave"
		if len(fields) > 1 {
			gesture = fields[1]
		}
		if err := eng.SendGesture(gesture); err != nil {
			fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		}

	case "/send":
		if len(fields) != 2 {
			fmt.Println("Usage: /send <path>")
			break
		}
		if err := eng.Upload(context.Background(), fields[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
			break
		}
		fmt.Println("Shared.")

	case "/get":
		if len(fields) != 2 {
			fmt.Println("Usage: /get <file>")
			break
		}
		path, err := eng.Download(context.Background(), fields[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Download failed: %v\n", err)
			break
		}
		fmt.Printf("Saved %s\n", path)

	case "/board":
		board := eng.Board()
		fmt.Printf("Whiteboard v%d: %d strokes, %d shapes, %d texts\n",
			board.Version, len(board.Strokes), len(board.Shapes), len(board.Texts))

	default:
		fmt.Println("Commands: /users /msg /wave /send /get /board /quit")
	}

	return false
}

// printEvent renders one server event. Cursor moves and whiteboard
// deltas are too chatty for a line console and stay silent.
func printEvent(ev client.Event) {
	switch ev := ev.(type) {
	case client.Joined:
		fmt.Printf("* %s joined\n", ev.Name)
	case client.Left:
		fmt.Printf("* %s left\n", ev.Name)
	case client.ChatReceived:
		fmt.Printf("%s: %s\n", ev.From, ev.Message)
	case client.PrivateChatReceived:
		fmt.Printf("[%s -> you] %s\n", ev.From, ev.Message)
	case client.PrivateChatEcho:
		fmt.Printf("[you -> %s] %s\n", ev.To, ev.Message)
	case client.GestureReceived:
		fmt.Printf("* %s sends a %s\n", ev.From, ev.Gesture)
	case client.PresentStarted:
		fmt.Printf("* %s started presenting\n", ev.From)
	case client.PresentStopped:
		fmt.Printf("* %s stopped presenting\n", ev.From)
	case client.FileOffered:
		fmt.Printf("* %s shared %s (%d bytes). '/get %s' fetches it.\n", ev.From, ev.Filename, ev.Size, ev.Filename)
	case client.ServerError:
		fmt.Printf("! %s\n", ev.Message)
	case client.Disconnected:
		if ev.Err != nil {
			fmt.Printf("! disconnected: %v\n", ev.Err)
		}
	}
}
