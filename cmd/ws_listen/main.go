package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"
)

// ws_listen connects to the jiji state websocket and prints a one-line
// summary per frame: the focused workspace per output and every device's
// volume and mute state. --raw prints frames as received.

type stateFrame struct {
	Type string    `json:"type"`
	Ts   time.Time `json:"ts"`
	Data struct {
		Version    uint64 `json:"version"`
		Workspaces map[string][]struct {
			Num     int    `json:"num"`
			Name    string `json:"name"`
			Focused bool   `json:"focused"`
			Visible bool   `json:"visible"`
			Urgent  bool   `json:"urgent"`
		} `json:"workspaces"`
		Sinks   []device `json:"sinks"`
		Sources []device `json:"sources"`
	} `json:"data"`
}

type device struct {
	Index   uint32 `json:"index"`
	Label   string `json:"label"`
	Mute    bool   `json:"mute"`
	Percent int    `json:"percent"`
	Default bool   `json:"default"`
}

func main() {
	var (
		wsURL   = flag.String("ws", "ws://127.0.0.1:3002/state", "jiji state websocket URL")
		command = flag.String("cmd", "", `send one command envelope after connecting, e.g. '{"type":"switch_workspace","data":{"num":2}}'`)
		raw     = flag.Bool("raw", false, "print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// The ping goroutine and the main goroutine both write.
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	// The daemon pings every 20s; answering refreshes our deadline too.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	if *command != "" {
		if !json.Valid([]byte(*command)) {
			log.Fatalf("--cmd is not valid JSON")
		}
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, []byte(*command))
		writeMu.Unlock()
		if err != nil {
			log.Fatalf("error sending command: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var last uint64
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			last = handleFrame(message, last)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handleFrame prints a frame unless it is older than the last one seen.
// It returns the newest version.
func handleFrame(message []byte, last uint64) uint64 {
	var f stateFrame
	if err := json.Unmarshal(message, &f); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return last
	}
	if f.Type != "state_init" && f.Data.Version < last {
		fmt.Printf("[STALE] v%d < v%d\n", f.Data.Version, last)
		return last
	}

	outputs := make([]string, 0, len(f.Data.Workspaces))
	for output := range f.Data.Workspaces {
		outputs = append(outputs, output)
	}
	sort.Strings(outputs)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s v%d]", strings.ToUpper(f.Type), f.Data.Version)
	for _, output := range outputs {
		for _, ws := range f.Data.Workspaces[output] {
			if ws.Visible {
				mark := ""
				if ws.Focused {
					mark = "*"
				}
				fmt.Fprintf(&b, " %s:%s%s", output, ws.Name, mark)
			}
		}
	}
	writeDevices(&b, "sink", f.Data.Sinks)
	writeDevices(&b, "source", f.Data.Sources)
	fmt.Println(b.String())
	return f.Data.Version
}

func writeDevices(b *strings.Builder, kind string, devs []device) {
	for _, d := range devs {
		state := fmt.Sprintf("%d%%", d.Percent)
		if d.Mute {
			state = "muted"
		}
		def := ""
		if d.Default {
			def = " (default)"
		}
		fmt.Fprintf(b, " | %s #%d %s %s%s", kind, d.Index, d.Label, state, def)
	}
}
