package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// The database must be seeded with, for every pair i, the users
// patient<i>@loadtest.local and clinician<i>@loadtest.local sharing the
// scheduled appointment "loadtest-<i>".
var (
	baseURL  = flag.String("base", "http://localhost:8080", "gateway base url")
	pairs    = flag.Int("pairs", 50, "patient/clinician pairs")
	msgCount = flag.Int("msgs", 20, "messages per user")
	password = flag.String("password", "password123", "password of every seeded user")
)

type loginResponse struct {
	Token string `json:"access_token"`
}

type frame struct {
	Type string `json:"type"`
	Ack  string `json:"ack"`
	OK   bool   `json:"ok"`
	Code string `json:"code"`
}

var acked, failed, received atomic.Int64

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairs*2, *msgCount)
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	log.Printf("✅ LOAD TEST COMPLETE in %s: %d acked, %d failed, %d message:new frames received",
		time.Since(start).Round(time.Millisecond), acked.Load(), failed.Load(), received.Load())
}

func runPair(pairID int) {
	room := fmt.Sprintf("loadtest-%d", pairID)
	users := []string{
		fmt.Sprintf("patient%d@loadtest.local", pairID),
		fmt.Sprintf("clinician%d@loadtest.local", pairID),
	}

	var wg sync.WaitGroup
	for _, email := range users {
		token := login(email)
		if token == "" {
			return
		}
		wg.Add(1)
		go func(email, token string) {
			defer wg.Done()
			spamChat(token, room, email)
		}(email, token)
	}
	wg.Wait()
}

func login(email string) string {
	body, _ := json.Marshal(map[string]string{"email": email, "password": *password})
	resp, err := http.Post(*baseURL+"/login", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", email, err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Login Failed [%s]: %s", email, resp.Status)
		return ""
	}

	var data loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Printf("❌ Login Failed [%s]: %v", email, err)
		return ""
	}
	return data.Token
}

func spamChat(token, room, user string) {
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", user, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case "ack":
				if f.OK {
					acked.Add(1)
				} else {
					failed.Add(1)
					log.Printf("⚠️ [%s] ack %s failed: %s", user, f.Ack, f.Code)
				}
			case "message:new":
				received.Add(1)
			}
		}
	}()

	if err := conn.WriteJSON(map[string]string{"type": "join", "room": room, "ack": "join"}); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", user, err)
		return
	}

	for i := 0; i < *msgCount; i++ {
		msg := map[string]string{
			"type":    "message:send",
			"room":    room,
			"ack":     fmt.Sprintf("m%d", i),
			"content": fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", user, err)
			break
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}

	// let the last acks arrive before hanging up
	time.Sleep(time.Second)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	log.Printf("✅ %s finished sending %d msgs", user, *msgCount)
}
