package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
)

// wsproxy exposes a gemcli subprocess over a websocket so browser front
// ends can drive the agent. Each connection gets its own subprocess.

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	cmdArgs := flag.Args()
	if len(cmdArgs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: wsproxy [-addr :8080] <command> [args...]")
		os.Exit(1)
	}

	http.HandleFunc("/ws", handleWS(cmdArgs))
	fmt.Printf("WebSocket server running on ws://localhost%s/ws\n", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func handleWS(cmdArgs []string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("Upgrade error:", err)
			return
		}
		defer conn.Close()

		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Println("Error getting stdin:", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Println("Error getting stdout:", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Println("Error getting stderr:", err)
			return
		}
		if err := cmd.Start(); err != nil {
			log.Println("Error starting agent:", err)
			return
		}
		defer cmd.Process.Kill()

		// One writer at a time; gorilla/websocket forbids concurrent writes.
		var writeMu sync.Mutex
		pipe := func(name string, src *bufio.Scanner) {
			for src.Scan() {
				frame, err := json.Marshal(wsFrame{Type: name, Data: src.Text()})
				if err != nil {
					continue
				}
				writeMu.Lock()
				err = conn.WriteMessage(websocket.TextMessage, frame)
				writeMu.Unlock()
				if err != nil {
					log.Println("WS write error:", err)
					return
				}
			}
		}
		go pipe("stdout", bufio.NewScanner(stdout))
		go pipe("stderr", bufio.NewScanner(stderr))

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Println("WS read error:", err)
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Println("Stdin write error:", err)
				return
			}
		}
	}
}
