package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ws_smoke watches the pending stream for a while and then claims over the socket.
func main() {
	token := flag.String("token", os.Getenv("TOKEN"), "bearer token (see cmd/provision_user)")
	watch := flag.Duration("watch", 5*time.Second, "how long to print pending ticks before claiming")
	flag.Parse()

	if *token == "" {
		log.Fatal("token required")
	}

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	// use 127.0.0.1 to prefer IPv4 (avoid resolving to [::1])
	u := url.URL{
		Scheme:   "ws",
		Host:     "127.0.0.1:" + port,
		Path:     "/ws/mining",
		RawQuery: url.Values{"token": {*token}}.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frames := make(chan frame)
	go func() {
		defer close(frames)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				log.Printf("read: %v", err)
				return
			}
			frames <- f
		}
	}()

	deadline := time.After(*watch)
	claimed := false
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			fmt.Printf("%s %s\n", f.Type, string(f.Payload))
			if f.Type == "claim_result" || (claimed && f.Type == "error") {
				return
			}
		case <-deadline:
			if claimed {
				log.Fatal("no claim result received")
			}
			claimed = true
			if err := conn.WriteJSON(frame{Type: "claim"}); err != nil {
				log.Fatalf("send claim: %v", err)
			}
			deadline = time.After(10 * time.Second)
		}
	}
}
