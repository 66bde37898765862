package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"loom/config"
	"loom/eventlog"
	"loom/mcp"
	"loom/model"
	"loom/provider"
	"loom/storage"
	"loom/turn"
)

const (
	Version = "v0.1.0"
	License = "Apache-2.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		fmt.Printf("Failed to create data directory: %v\n", err)
		os.Exit(1)
	}
	config.InitDebugLog(cfg.DataDir())

	store, err := storage.NewMessageStorage(cfg.DataDir())
	if err != nil {
		fmt.Printf("Failed to initialize message storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	events := eventlog.New(256)

	tools := mcp.NewManager(cfg.Tools, events)
	defer tools.Shutdown()
	for _, srv := range cfg.Servers {
		if err := tools.Connect(context.Background(), srv.Name, srv.Endpoint, srv.AuthToken); err != nil {
			fmt.Printf("Warning: could not connect to %s: %v\n", srv.Name, err)
		}
	}

	prov, err := provider.NewProvider(provider.Config{
		Type:    provider.MapProviderIDToType(cfg.Provider.Type),
		BaseURL: cfg.Provider.BaseURL,
		Model:   cfg.Provider.Model,
		APIKey:  cfg.Provider.APIKey,
	})
	if err != nil {
		fmt.Printf("Failed to initialize provider: %v\n", err)
		os.Exit(1)
	}

	ctrl := turn.NewController(prov, tools, store, cfg.Tools, events)
	chatID := uuid.NewString()

	fmt.Printf("loom %s (%s), model %s, %d tool server(s)\n", Version, License, prov.GetDisplayName(), len(cfg.Servers))
	fmt.Println("Type a prompt, or /tools, /servers, /events, /quit. Ctrl-C cancels a running turn.")

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return
		case "/tools":
			for _, t := range tools.ListTools("") {
				fmt.Printf("  %s  %s\n", t.QualifiedName(), t.Description)
			}
			continue
		case "/servers":
			for _, srv := range cfg.Servers {
				state := tools.GetState(srv.Name)
				if lastErr := tools.GetLastError(srv.Name); lastErr != "" {
					fmt.Printf("  %s  %s (%s)\n", srv.Name, state, lastErr)
				} else {
					fmt.Printf("  %s  %s\n", srv.Name, state)
				}
			}
			continue
		case "/events":
			for _, ev := range events.Events() {
				fmt.Printf("  %s [%s] %s %s\n", ev.Time.Format("15:04:05"), ev.Component, ev.Name, ev.Detail)
			}
			continue
		}

		runTurn(ctrl, chatID, line, interrupts)
	}
}

// runTurn executes one prompt, cancelling the turn if the user interrupts.
func runTurn(ctrl *turn.Controller, chatID, prompt string, interrupts chan os.Signal) {
	before := len(ctrl.Messages(chatID))

	done := make(chan error, 1)
	go func() {
		done <- ctrl.SendPrompt(context.Background(), chatID, prompt)
	}()

	var err error
waiting:
	for {
		select {
		case <-interrupts:
			fmt.Println("\nCancelling...")
			ctrl.Cancel(chatID)
		case err = <-done:
			break waiting
		}
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		ctrl.ClearError(chatID)
		return
	}

	for _, msg := range ctrl.Messages(chatID)[before:] {
		switch {
		case msg.Role == model.RoleTool && msg.ToolResult != nil:
			if msg.ToolResult.Error != "" {
				fmt.Printf("[tool %s] error: %s\n", msg.ToolCall.Name, msg.ToolResult.Error)
			} else {
				fmt.Printf("[tool %s] %s\n", msg.ToolCall.Name, msg.Content)
			}
		case msg.Role == model.RoleAssistant && msg.Content != "":
			fmt.Println(msg.Content)
		}
	}
}
