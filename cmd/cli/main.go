package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway/internal/agentloop"
	specconfig "github.com/agentgateway/agentgateway/internal/config"
	"github.com/agentgateway/agentgateway/internal/eventstream"
)

const (
	cliVersion = "0.2.0"
	cliName    = "agentctl"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName + " [goal]",
		Short: "agentctl — one-shot/interactive driver for the agent loop",
		Args:  cobra.ArbitraryArgs,
		RunE:  runInteractive,
	}

	rootCmd.Flags().StringP("model", "m", "", "override the configured primary model")
	rootCmd.Flags().IntP("max-steps", "n", 0, "override the configured step budget")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "check local environment",
		RunE:  runDoctor,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runInteractive loads config, wires an *agentloop.Loop via
// internal/config.Build, then either runs a single goal (when args are
// given) or reads one goal per line from stdin until EOF, printing each
// session's event stream to stdout as it happens.
func runInteractive(cmd *cobra.Command, args []string) error {
	log, err := specconfig.NewLogger(specconfig.LogConfig{Level: "error", Format: "console"}, "/dev/null")
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := specconfig.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if m, _ := cmd.Flags().GetString("model"); m != "" {
		cfg.Agent.PrimaryModel = m
	}
	maxSteps := cfg.Agent.DefaultStepBudget
	if n, _ := cmd.Flags().GetInt("max-steps"); n > 0 {
		maxSteps = n
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := specconfig.Build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wiring agent loop: %w", err)
	}
	go components.Watcher.Start()
	defer components.Watcher.Stop()

	if len(args) > 0 {
		return runGoal(ctx, components.Loop, strings.Join(args, " "), maxSteps)
	}

	fmt.Println("agentctl interactive — type a goal, Ctrl+D to exit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		goal := strings.TrimSpace(scanner.Text())
		if goal == "" {
			continue
		}
		if err := runGoal(ctx, components.Loop, goal, maxSteps); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return nil
}

// runGoal runs a single session to completion, rendering each stream
// event as a terse one-line status, mirroring the teacher's REPL
// renderer's running-commentary style without its full TUI machinery.
func runGoal(ctx context.Context, loop *agentloop.Loop, goal string, maxSteps int) error {
	sessionID := fmt.Sprintf("cli-%d", len(goal))
	_, stream, outcomeCh := loop.Run(ctx, agentloop.RunRequest{
		SessionID: sessionID,
		Goal:      goal,
		MaxSteps:  maxSteps,
	})

	for ev := range stream.Events() {
		switch ev.Type {
		case eventstream.EventStatus:
			fmt.Printf("… %v\n", ev.Data["status"])
		case eventstream.EventPlan:
			fmt.Printf("◇ plan: %v\n", ev.Data["next_action"])
		case eventstream.EventExec:
			fmt.Printf("→ %v\n", ev.Data["tool"])
		case eventstream.EventObs:
			fmt.Printf("← %v\n", ev.Data["observation"])
		case eventstream.EventFinal:
			fmt.Printf("\n%v\n", ev.Data["result"])
		case eventstream.EventError:
			fmt.Fprintf(os.Stderr, "✗ %v\n", ev.Data["error"])
		}
	}

	outcome := <-outcomeCh
	fmt.Printf("\n[steps=%d success=%v confidence=%.2f]\n", outcome.TotalSteps, outcome.Success, outcome.Confidence)
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("agentctl doctor v%s\n\n", cliVersion)

	checks := []struct {
		name  string
		check func() (string, bool)
	}{
		{"config file", checkConfig},
		{"go toolchain", checkGo},
	}

	allOK := true
	for _, c := range checks {
		val, ok := c.check()
		icon := "\033[92m✓\033[0m"
		if !ok {
			icon = "\033[91m✗\033[0m"
			allOK = false
		}
		fmt.Printf("  %s %s: %s\n", icon, c.name, val)
	}

	fmt.Println()
	if allOK {
		fmt.Println("all checks passed")
	} else {
		fmt.Println("some checks failed, see above")
	}
	return nil
}

func checkConfig() (string, bool) {
	path := os.Getenv("HOME") + "/.agentgateway/config.yaml"
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return "not found: " + path, false
}

func checkGo() (string, bool) {
	for _, p := range []string{"/usr/local/go/bin/go", "/usr/bin/go", "/usr/lib/go/bin/go"} {
		if _, err := os.Stat(p); err == nil {
			return "installed", true
		}
	}
	return "not installed", false
}
