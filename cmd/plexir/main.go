// plexir - provider-failover chat REPL with context window management.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"

	"github.com/plexir/plexir/internal/config"
	plexirctx "github.com/plexir/plexir/internal/context"
	"github.com/plexir/plexir/internal/engine"
	"github.com/plexir/plexir/internal/router"
	"github.com/plexir/plexir/internal/session"
	"github.com/plexir/plexir/internal/telemetry"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")). // cyan
			Bold(true)

	bannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13")). // purple
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // dim

	replyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // amber

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")). // red
			Bold(true)

	pinStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // green
)

// =============================================================================
// INPUT
// =============================================================================

// input wraps liner with persistent history and Ctrl+C aborts.
type input struct {
	line        *liner.State
	historyFile string
}

func newInput() *input {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &input{line: line, historyFile: filepath.Join(dir, "history")}

	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

func (in *input) read(prompt string) (string, error) {
	text, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		in.line.AppendHistory(text)
	}
	return text, nil
}

func (in *input) close() {
	if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
		in.line.WriteHistory(f)
		f.Close()
	}
	in.line.Close()
}

// =============================================================================
// MAIN
// =============================================================================

func main() {
	log.SetFlags(0)
	log.SetOutput(os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("config: %v", err)))
		os.Exit(1)
	}

	provs, skipped := cfg.BuildProviders()
	for _, name := range skipped {
		fmt.Println(warnStyle.Render(fmt.Sprintf("provider %q skipped: API key environment variable is unset", name)))
	}
	if len(provs) == 0 {
		fmt.Fprintln(os.Stderr, errorStyle.Render("no usable providers configured"))
		os.Exit(1)
	}

	var store *session.Store
	if dbPath, err := config.SessionDBPath(); err == nil {
		if store, err = session.Open(dbPath); err != nil {
			fmt.Println(warnStyle.Render(fmt.Sprintf("session persistence disabled: %v", err)))
			store = nil
		}
	}

	eng, err := engine.New(engine.Options{
		Providers:    provs,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Budget:       cfg.SessionBudget,
		Retry:        cfg.RetryPolicy(),
		Policy:       cfg.ContextPolicy(),
		Store:        store,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
	defer eng.Close()

	// Live config reload: a config file edit swaps the provider list and
	// budget without restarting the session.
	if path, err := config.ConfigPath(); err == nil {
		stop, werr := config.Watch(path, func(next *config.Config) {
			newProvs, newSkipped := next.BuildProviders()
			if len(newProvs) == 0 {
				log.Printf("reload ignored: no usable providers")
				return
			}
			if err := eng.ReloadProviders(newProvs); err != nil {
				log.Printf("reload failed: %v", err)
				return
			}
			eng.SetBudget(next.SessionBudget)
			for _, name := range newSkipped {
				log.Printf("provider %q skipped on reload", name)
			}
		})
		if werr == nil {
			defer stop()
		}
	}

	fmt.Println(bannerStyle.Render(fmt.Sprintf("plexir %s", Version)))
	fmt.Println(infoStyle.Render(fmt.Sprintf("primary provider: %s - /help for commands", eng.ActiveProvider())))
	fmt.Println()

	repl(eng)
}

// =============================================================================
// REPL
// =============================================================================

func repl(eng *engine.Engine) {
	in := newInput()
	defer in.close()

	for {
		text, err := in.read(promptStyle.Render("plexir> "))
		if errors.Is(err, liner.ErrPromptAborted) {
			fmt.Println(infoStyle.Render("(interrupted - /quit to exit)"))
			continue
		}
		if err != nil { // io.EOF on Ctrl+D
			fmt.Println()
			return
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "/") {
			if quit := command(eng, text); quit {
				return
			}
			continue
		}

		runTurn(eng, text)
	}
}

// runTurn submits one turn, cancellable with Ctrl+C.
func runTurn(eng *engine.Engine, text string) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	resp, err := eng.SubmitTurn(ctx, text)
	if err != nil {
		printTurnError(err)
		return
	}

	fmt.Println()
	fmt.Println(replyStyle.Render(resp.Content))
	if resp.ToolCall != nil {
		fmt.Println(warnStyle.Render(fmt.Sprintf("[tool call requested: %s]", resp.ToolCall.Name)))
	}
	fmt.Println(infoStyle.Render(fmt.Sprintf("(%s via %s in %.1fs)",
		resp.Model, resp.Provider, time.Since(start).Seconds())))
	fmt.Println()
}

func printTurnError(err error) {
	var exhausted *router.ExhaustedError
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Println(warnStyle.Render("turn cancelled"))
	case errors.Is(err, engine.ErrTurnInFlight):
		fmt.Println(warnStyle.Render("a turn is already running"))
	case errors.Is(err, telemetry.ErrBudgetExceeded):
		fmt.Println(errorStyle.Render(err.Error()))
		fmt.Println(infoStyle.Render("raise the ceiling with /budget or clear the session"))
	case errors.Is(err, plexirctx.ErrContextOverflow):
		fmt.Println(errorStyle.Render(err.Error()))
		fmt.Println(infoStyle.Render("unpin some messages or /clear to continue"))
	case errors.As(err, &exhausted):
		fmt.Println(errorStyle.Render("all providers failed this turn:"))
		for _, e := range exhausted.Errors {
			fmt.Println(infoStyle.Render("  " + e.Error()))
		}
	default:
		fmt.Println(errorStyle.Render(err.Error()))
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// command dispatches a /command line. Returns true to exit.
func command(eng *engine.Engine, text string) bool {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/q", "/exit":
		return true

	case "/help", "/h":
		printHelp()

	case "/clear", "/c":
		eng.Clear()
		fmt.Println(infoStyle.Render("conversation and usage cleared"))

	case "/history":
		printHistory(eng)

	case "/pin", "/unpin":
		if len(args) != 1 {
			fmt.Println(warnStyle.Render(fmt.Sprintf("usage: %s <index>", cmd)))
			return false
		}
		seq, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Println(warnStyle.Render("index must be a number"))
			return false
		}
		if cmd == "/pin" {
			err = eng.Pin(seq)
		} else {
			err = eng.Unpin(seq)
		}
		if err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		} else {
			fmt.Println(infoStyle.Render(fmt.Sprintf("message %d %sned", seq, strings.TrimPrefix(cmd, "/"))))
		}

	case "/usage", "/u":
		fmt.Println(infoStyle.Render(eng.Usage().String()))

	case "/budget":
		if len(args) != 1 {
			fmt.Println(infoStyle.Render(eng.Usage().String()))
			return false
		}
		usd, err := strconv.ParseFloat(args[0], 64)
		if err != nil || usd < 0 {
			fmt.Println(warnStyle.Render("usage: /budget <usd>"))
			return false
		}
		eng.SetBudget(usd)
		fmt.Println(infoStyle.Render(fmt.Sprintf("budget ceiling set to $%.2f", usd)))

	case "/providers", "/p":
		active := eng.ActiveProvider()
		for i, p := range eng.Providers() {
			marker := "  "
			if active != nil && p.Name == active.Name {
				marker = pinStyle.Render("* ")
			}
			fmt.Printf("%s%d. %s\n", marker, i, p)
		}

	case "/save":
		if len(args) != 1 {
			fmt.Println(warnStyle.Render("usage: /save <name>"))
			return false
		}
		if err := eng.SaveSession(args[0]); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		} else {
			fmt.Println(infoStyle.Render(fmt.Sprintf("session saved as %q", args[0])))
		}

	case "/load":
		if len(args) != 1 {
			fmt.Println(warnStyle.Render("usage: /load <name>"))
			return false
		}
		if err := eng.LoadSession(args[0]); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		} else {
			fmt.Println(infoStyle.Render(fmt.Sprintf("session %q loaded (%d messages)", args[0], len(eng.History()))))
		}

	case "/sessions":
		infos, err := eng.Sessions()
		if err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
			return false
		}
		if len(infos) == 0 {
			fmt.Println(infoStyle.Render("no saved sessions"))
			return false
		}
		for _, info := range infos {
			fmt.Println(infoStyle.Render(fmt.Sprintf("%-20s %4d messages  $%.4f  %s",
				info.Name, info.Messages, info.Cost, info.UpdatedAt.Local().Format("2006-01-02 15:04"))))
		}

	case "/delete":
		if len(args) != 1 {
			fmt.Println(warnStyle.Render("usage: /delete <name>"))
			return false
		}
		if err := eng.DeleteSession(args[0]); err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
		} else {
			fmt.Println(infoStyle.Render(fmt.Sprintf("session %q deleted", args[0])))
		}

	default:
		fmt.Println(warnStyle.Render(fmt.Sprintf("unknown command %s - /help for commands", cmd)))
	}
	return false
}

func printHistory(eng *engine.Engine) {
	hist := eng.History()
	if len(hist) == 0 {
		fmt.Println(infoStyle.Render("no messages yet"))
		return
	}
	for _, msg := range hist {
		tag := fmt.Sprintf("[%d] %s:", msg.Seq, msg.Role.DisplayName())
		if msg.Pinned {
			tag = pinStyle.Render("[pin]") + " " + tag
		}
		if msg.Summary {
			tag = warnStyle.Render("[summary]") + " " + tag
		}
		fmt.Printf("%s %s\n", infoStyle.Render(tag), msg.Preview(120))
	}
}

func printHelp() {
	help := [][2]string{
		{"/help", "show this help"},
		{"/history", "show the conversation with message indexes"},
		{"/pin <index>", "protect a message from summarization"},
		{"/unpin <index>", "undo /pin"},
		{"/usage", "show token and cost counters"},
		{"/budget <usd>", "set the session spend ceiling (0 disables)"},
		{"/providers", "show the failover priority list"},
		{"/save <name>", "save the session"},
		{"/load <name>", "load a saved session"},
		{"/sessions", "list saved sessions"},
		{"/delete <name>", "delete a saved session"},
		{"/clear", "drop conversation and usage"},
		{"/quit", "exit"},
	}
	for _, h := range help {
		fmt.Printf("  %s %s\n", promptStyle.Render(fmt.Sprintf("%-15s", h[0])), infoStyle.Render(h[1]))
	}
	fmt.Println(infoStyle.Render("  Ctrl+C cancels an in-flight turn; Ctrl+D exits"))
}
