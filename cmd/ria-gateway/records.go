// ABOUTME: Record management subcommands for websites, agents, model clients and archives
// ABOUTME: Operates on the database directly, so the server need not be running

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/ria-gateway/internal/auth"
	"github.com/2389/ria-gateway/internal/config"
	"github.com/2389/ria-gateway/internal/store"
)

// parseFlags reads "--name value" and "--name=value" pairs. Every flag must
// be listed in allowed.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		known[a] = true
	}

	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

// subcommand splits "add --x y" into the action and its flags.
func subcommand(args []string, noun string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("usage: ria-gateway %s <action>", noun)
	}
	return args[0], args[1:], nil
}

func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RIA_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

func runWebsite(ctx context.Context, args []string) error {
	action, rest, err := subcommand(args, "website")
	if err != nil {
		return err
	}
	switch action {
	case "add":
		return websiteAdd(ctx, rest)
	case "list":
		return websiteList(ctx)
	}
	return fmt.Errorf("unknown website action: %s", action)
}

func websiteAdd(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "name", "host", "group")
	if err != nil {
		return err
	}
	if flags["name"] == "" || flags["host"] == "" {
		return fmt.Errorf("--name and --host are required")
	}

	keys, err := auth.NewKeyPair()
	if err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	w := &store.Website{
		ID:        uuid.New().String(),
		Name:      flags["name"],
		Host:      flags["host"],
		Key1Hash:  keys.Hash1,
		Key2Hash:  keys.Hash2,
		Salt:      keys.Salt,
		Group:     flags["group"],
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateWebsite(ctx, w); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("host %s is already registered", w.Host)
		}
		return fmt.Errorf("creating website: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Registered website: %s\n", w.Name)
	fmt.Println()
	fmt.Printf("  ID:    %s\n", w.ID)
	fmt.Printf("  Host:  %s\n", strings.ToLower(w.Host))
	fmt.Printf("  key1:  %s\n", keys.Key1)
	fmt.Printf("  key2:  %s\n", keys.Key2)
	fmt.Println()
	yellow.Println("  The keys are shown once. Store them in the website's widget config.")
	return nil
}

func websiteList(ctx context.Context) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	sites, err := s.ListWebsites(ctx)
	if err != nil {
		return fmt.Errorf("listing websites: %w", err)
	}
	if len(sites) == 0 {
		fmt.Println("No websites registered.")
		return nil
	}
	for _, w := range sites {
		state := color.GreenString("enabled")
		switch {
		case w.Removed:
			state = color.RedString("removed")
		case !w.Enabled:
			state = color.YellowString("disabled")
		}
		fmt.Printf("%-36s  %-30s  %-20s  %s\n", w.ID, w.Host, w.Name, state)
	}
	return nil
}

func runAgent(ctx context.Context, args []string) error {
	action, rest, err := subcommand(args, "agent")
	if err != nil {
		return err
	}
	if action != "add" {
		return fmt.Errorf("unknown agent action: %s", action)
	}

	flags, err := parseFlags(rest, "name", "url", "group")
	if err != nil {
		return err
	}
	if flags["name"] == "" || flags["url"] == "" {
		return fmt.Errorf("--name and --url are required")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	a := &store.Agent{
		Name:      flags["name"],
		URL:       flags["url"],
		Group:     flags["group"],
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateAgent(ctx, a); err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Registered agent %d: %s (%s)\n", a.ID, a.Name, a.URL)
	fmt.Println("  Send SIGHUP or POST /admin/reload to pick it up.")
	return nil
}

func runModel(ctx context.Context, args []string) error {
	action, rest, err := subcommand(args, "model")
	if err != nil {
		return err
	}
	if action != "add" {
		return fmt.Errorf("unknown model action: %s", action)
	}

	flags, err := parseFlags(rest, "url", "provider", "group")
	if err != nil {
		return err
	}
	if flags["url"] == "" {
		return fmt.Errorf("--url is required")
	}
	provider := flags["provider"]
	if provider == "" {
		provider = "openai"
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	c := &store.ModelClient{
		URL:       flags["url"],
		Provider:  provider,
		Group:     flags["group"],
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateModelClient(ctx, c); err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Registered model client %d: %s [%s]\n", c.ID, c.URL, c.Provider)
	fmt.Println("  Send SIGHUP or POST /admin/reload to pick it up.")
	return nil
}

func runArchive(ctx context.Context, args []string) error {
	action, rest, err := subcommand(args, "archive")
	if err != nil {
		return err
	}
	if action != "list" {
		return fmt.Errorf("unknown archive action: %s", action)
	}

	flags, err := parseFlags(rest, "limit")
	if err != nil {
		return err
	}
	limit := 20
	if v := flags["limit"]; v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return fmt.Errorf("--limit must be a non-negative integer")
		}
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	archives, err := s.ListArchives(ctx, limit)
	if err != nil {
		return fmt.Errorf("listing archives: %w", err)
	}
	if len(archives) == 0 {
		fmt.Println("No archives yet.")
		return nil
	}
	for _, a := range archives {
		status := color.GreenString("ENDED")
		if !a.Finished {
			status = color.YellowString("NOT ENDED")
		}
		fmt.Printf("%s  %-24s  %4d msgs  %-9s  %s\n",
			a.EndedAt.Local().Format("2006-01-02 15:04"), a.UserID, a.Messages, status, a.Path)
	}
	return nil
}
