package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"agenttown.ai/internal/sim/game"
)

var adminPaths = map[string]string{
	"state":    "/admin/v1/state",
	"snapshot": "/admin/v1/snapshot",
	"start":    "/admin/v1/world/start",
	"stop":     "/admin/v1/world/stop",
	"kick":     "/admin/v1/world/kick",
	"agent":    "/admin/v1/agents",
}

// httpCmd calls one admin endpoint of a running server and prints the reply.
func httpCmd(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	name := fs.String("name", "", "agent name (agent)")
	character := fs.String("character", "f1", "agent character (agent)")
	identity := fs.String("identity", "", "agent identity (agent)")
	plan := fs.String("plan", "", "agent plan (agent)")
	_ = fs.Parse(args)

	method, body := http.MethodPost, io.Reader(nil)
	switch cmd {
	case "state":
		method = http.MethodGet
	case "agent":
		if strings.TrimSpace(*name) == "" {
			fmt.Fprintln(os.Stderr, "missing -name")
			os.Exit(2)
		}
		b, _ := json.Marshal(game.CreateAgentArgs{Name: *name, Character: *character, Identity: *identity, Plan: *plan})
		body = bytes.NewReader(b)
	}

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + adminPaths[cmd]
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 35 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
