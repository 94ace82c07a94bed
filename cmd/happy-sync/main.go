// Copyright 2026 The Happy Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/slopus/happy-sync/api"
	"github.com/slopus/happy-sync/engine"
	"github.com/slopus/happy-sync/keystore"
	"github.com/slopus/happy-sync/lib/config"
	"github.com/slopus/happy-sync/lib/secret"
	"github.com/slopus/happy-sync/store"
	"github.com/slopus/happy-sync/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `usage: happy-sync [flags] <command> [args]

commands:
  sessions             list sessions, most recently active first
  tail                 follow live updates until interrupted
  archive <session>    stop a session and mark it archived
  delete <session>     permanently remove a session (archive first)

flags:
%s
environment:
  %s   config file path when --config is not given
`, flags.FlagUsages(), config.EnvVar)
}

func run() error {
	flags := pflag.NewFlagSet("happy-sync", pflag.ContinueOnError)
	configPath := flags.String("config", "", "config file path")
	timeout := flags.Duration("timeout", 30*time.Second, "deadline for one-shot commands")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")
	flags.Usage = func() { usage(flags) }
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	args := flags.Args()
	if len(args) == 0 {
		usage(flags)
		return fmt.Errorf("command required")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command := args[0]; command {
	case "sessions":
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		return runSessions(ctx, cfg, logger)
	case "tail":
		return runTail(ctx, cfg, logger)
	case "archive":
		if len(args) != 2 {
			return fmt.Errorf("usage: happy-sync archive <session-id>")
		}
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		return runArchive(ctx, cfg, logger, args[1])
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: happy-sync delete <session-id>")
		}
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		return runDelete(ctx, cfg, args[1])
	default:
		usage(flags)
		return fmt.Errorf("unknown command %q", command)
	}
}

// newLogger writes text when stderr is a terminal and JSON otherwise,
// so piped output stays machine-parseable.
func newLogger(level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

// client assembles the REST client from config: bearer token read from
// the configured file.
func client(cfg *config.Config) (*api.Client, error) {
	token, err := readToken(cfg.Credentials.TokenPath)
	if err != nil {
		return nil, err
	}
	return api.New(cfg.Server.APIURL, token), nil
}

// session holds the wired engine plus the resources it borrows. Close
// releases key material; Connect starts the socket run loop.
type session struct {
	engine *engine.Engine
	store  *store.Store
	socket *transport.WebSocket
	keys   *keystore.KeyStore

	connected chan struct{}
}

// newSession wires a full engine from config. The socket is created but
// not yet running; call Connect for commands that need live RPC.
func newSession(cfg *config.Config, logger *slog.Logger) (*session, error) {
	token, err := readToken(cfg.Credentials.TokenPath)
	if err != nil {
		return nil, err
	}
	master, err := masterSecret(cfg.Credentials.MasterSecretPath)
	if err != nil {
		return nil, err
	}
	keys, err := keystore.New(master)
	if err != nil {
		return nil, fmt.Errorf("opening keystore: %w", err)
	}

	socket := transport.NewWebSocket(transport.WebSocketConfig{
		URL:    cfg.Server.SocketURL,
		Token:  token,
		Logger: logger,
	})
	mirror := store.New()
	eng, err := engine.New(engine.Config{
		Socket:                socket,
		Keys:                  keys,
		Store:                 mirror,
		Fetcher:               api.New(cfg.Server.APIURL, token),
		Persistence:           store.NewPersistence(store.NewMemoryKV()),
		Logger:                logger,
		ActivityFlushInterval: cfg.Sync.ActivityFlushInterval,
		RPCTimeout:            cfg.Sync.RPCTimeout,
	})
	if err != nil {
		keys.Close()
		return nil, err
	}

	s := &session{engine: eng, store: mirror, socket: socket, keys: keys, connected: make(chan struct{})}
	var once bool
	socket.OnStatus(func(status transport.Status) {
		if status == transport.StatusConnected && !once {
			once = true
			close(s.connected)
		}
	})
	return s, nil
}

// Connect starts the socket and waits for the first connection.
func (s *session) Connect(ctx context.Context) error {
	go s.socket.Run(ctx)
	select {
	case <-s.connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connecting to event socket: %w", ctx.Err())
	}
}

func (s *session) Close() {
	s.keys.Close()
}

func runSessions(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	// Listing needs only the REST fetch; no socket connection.
	if err := s.engine.InvalidateAndAwait(ctx, engine.CollectionSessions); err != nil {
		return err
	}

	sessions := s.store.Sessions()
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tHOST\tPATH\tSUMMARY")
	for _, item := range sessions {
		state := "inactive"
		if item.Active {
			state = "active"
		}
		host, path, summary := "-", "-", "-"
		if item.Metadata != nil {
			if item.Metadata.Archived {
				state = "archived"
			}
			if item.Metadata.Host != "" {
				host = item.Metadata.Host
			}
			if item.Metadata.Path != "" {
				path = item.Metadata.Path
			}
			if item.Metadata.Summary != "" {
				summary = item.Metadata.Summary
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", item.ID, state, host, path, summary)
	}
	return tw.Flush()
}

func runTail(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	s.store.OnChange(func() {
		var active, thinking int
		for _, item := range s.store.Sessions() {
			if item.Active {
				active++
			}
			if item.Thinking {
				thinking++
			}
		}
		fmt.Printf("%s  sessions active=%d thinking=%d\n",
			time.Now().Format(time.TimeOnly), active, thinking)
	})
	if err := s.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "connected, following updates (ctrl-c to stop)")

	<-ctx.Done()
	return s.engine.Background()
}

func runArchive(ctx context.Context, cfg *config.Config, logger *slog.Logger, sessionID string) error {
	s, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.engine.InvalidateAndAwait(ctx, engine.CollectionSessions); err != nil {
		return err
	}
	if _, ok := s.store.Session(sessionID); !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	result := s.engine.Sessions().Archive(ctx, sessionID)
	if !result.Success {
		return fmt.Errorf("archive %s: %s", sessionID, result.Message)
	}
	fmt.Printf("archived %s\n", sessionID)
	return nil
}

func runDelete(ctx context.Context, cfg *config.Config, sessionID string) error {
	rest, err := client(cfg)
	if err != nil {
		return err
	}
	if err := rest.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", sessionID)
	return nil
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// masterSecret loads the base64url account master secret from the
// configured file, or prompts on the terminal when no path is set.
func masterSecret(path string) (*secret.Buffer, error) {
	var encoded string
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading master secret: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
	} else {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return nil, fmt.Errorf("no master_secret_path configured and stdin is not a terminal")
		}
		fmt.Fprint(os.Stderr, "master secret: ")
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading master secret: %w", err)
		}
		encoded = strings.TrimSpace(string(line))
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// Older exports used standard padding.
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("master secret is not valid base64url")
		}
	}
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("sealing master secret: %w", err)
	}
	return buffer, nil
}
