// ABOUTME: Interactive terminal client for courier conversations.
// ABOUTME: Drives the sync engine and listens for live pushes over websocket.

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/campuschat/courier/internal/client"
	"github.com/campuschat/courier/internal/status"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "courier server base URL")
	me := flag.String("me", "", "your identity")
	peer := flag.String("peer", "", "identity to talk to")
	token := flag.String("token", "", "connection token (required when the server verifies identities)")
	cacheDir := flag.String("cache-dir", defaultCacheDir(), "local message cache directory")
	flag.Parse()

	if *me == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "usage: courier --me IDENTITY --peer IDENTITY [--server URL] [--token TOKEN]")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *server, *me, *peer, *token, *cacheDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultCacheDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "cache"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "courier")
}

func run(ctx context.Context, server, me, peer, token, cacheDir string) error {
	cache, err := client.NewCache(cacheDir)
	if err != nil {
		return err
	}

	api := client.NewAPI(server, 0)
	engine := client.NewEngine(api, cache, me, peer, nil)
	defer engine.Wait()

	// Cached view first so a slow server never blocks the initial render.
	cached := engine.LoadCached()
	render(cached, me)

	msgs, err := engine.Refresh(ctx)
	if err != nil {
		color.Yellow("! %v", err)
	} else if len(cached) > 0 {
		color.HiBlack("— synced —")
		render(msgs, me)
	} else {
		render(msgs, me)
	}

	pushes, wsErr := listen(ctx, server, me, token)
	if wsErr != nil {
		color.Yellow("! live updates unavailable: %v", wsErr)
	}

	color.HiBlack("type a message, or /retry ID, /retry-all, /clear, /reload, /quit")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// Confirmation answers arrive over the same stdin channel the command
	// loop reads, so the prompt consumes the next line.
	confirm := func() bool {
		fmt.Print("clear the whole conversation? [y/N] ")
		answer, ok := <-lines
		if !ok {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case push, ok := <-pushes:
			if !ok {
				pushes = nil
				continue
			}
			engine.HandleIncoming(push)
			printMessage(latest(engine), me)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done, err := handleLine(ctx, engine, me, line, confirm); err != nil {
				color.Yellow("! %v", err)
			} else if done {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, engine *client.Engine, me, line string, confirm func() bool) (done bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, nil
	case line == "/clear":
		err := engine.Clear(ctx, confirm)
		if err == client.ErrClearDeclined {
			color.HiBlack("clear aborted")
			return false, nil
		}
		if err == nil {
			color.HiBlack("conversation cleared")
		}
		return false, err
	case line == "/retry-all":
		if err := engine.RetryAll(ctx); err != nil {
			return false, err
		}
		render(engine.Messages(), me)
		return false, nil
	case strings.HasPrefix(line, "/retry "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
		if _, err := engine.Retry(ctx, id); err != nil {
			return false, err
		}
		render(engine.Messages(), me)
		return false, nil
	case line == "/reload":
		msgs, err := engine.Load(ctx)
		render(msgs, me)
		return false, err
	case strings.HasPrefix(line, "/"):
		return false, fmt.Errorf("unknown command %s", line)
	default:
		msg, err := engine.Send(ctx, line)
		if msg != nil {
			printMessage(msg, me)
		}
		if err != nil {
			if msg != nil {
				color.Yellow("! message kept locally, use /retry %s", msg.ID)
			} else {
				color.Yellow("! %v", err)
			}
		}
		return false, nil
	}
}

// listen joins the websocket and forwards private_message pushes.
func listen(ctx context.Context, server, me, token string) (<-chan client.Push, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s/ws", scheme, u.Host)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	join := map[string]any{
		"event": "join",
		"data":  map[string]string{"identity": me, "token": token},
	}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return nil, err
	}

	pushes := make(chan client.Push)
	go func() {
		defer close(pushes)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}()

		for {
			var env struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Event != "private_message" {
				continue
			}
			var push client.Push
			if err := json.Unmarshal(env.Data, &push); err != nil {
				continue
			}
			select {
			case pushes <- push:
			case <-ctx.Done():
				return
			}
		}
	}()
	return pushes, nil
}

func render(msgs []client.Message, me string) {
	for i := range msgs {
		printMessage(&msgs[i], me)
	}
}

func printMessage(m *client.Message, me string) {
	if m == nil {
		return
	}
	ts := color.HiBlackString(m.SentAt.Local().Format("15:04"))
	who := color.CyanString(m.From)
	if m.From == me {
		who = color.GreenString("you")
	}

	var marker string
	switch m.Status {
	case status.LocalSending:
		marker = color.HiBlackString(" …")
	case status.LocalFailed:
		marker = color.RedString(" ✗ failed (id %s)", m.ID)
	}
	fmt.Printf("%s %s: %s%s\n", ts, who, m.Text, marker)
}

func latest(engine *client.Engine) *client.Message {
	msgs := engine.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}
