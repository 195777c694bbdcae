// Command collabctl is a terminal client for the collaboration gateway.
// Lines typed on stdin are posted to the active ticket; lines starting with
// a slash are commands:
//
//	/join T-1    subscribe and make T-1 active
//	/leave T-1   unsubscribe
//	/typing      toggle the typing indicator
//	/read ID...  mark messages as read
//	/quit
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/lorrc/service-desk-collab/internal/auth"
	"github.com/lorrc/service-desk-collab/internal/client"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/logging"
)

type options struct {
	url         string
	token       string
	tickets     []string
	baseDelay   time.Duration
	maxAttempts int
	logLevel    string

	// Development token minting.
	secret   string
	userID   string
	name     string
	role     string
	issuer   string
	audience string
}

func main() {
	var opts options
	pflag.StringVar(&opts.url, "url", "ws://localhost:8080/api/v1/ws", "gateway websocket URL")
	pflag.StringVar(&opts.token, "token", os.Getenv("COLLAB_TOKEN"), "bearer token")
	pflag.StringSliceVarP(&opts.tickets, "ticket", "t", nil, "ticket rooms to join (repeatable)")
	pflag.DurationVar(&opts.baseDelay, "base-delay", time.Second, "first reconnection delay")
	pflag.IntVar(&opts.maxAttempts, "max-attempts", 5, "reconnection attempts before giving up")
	pflag.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn, error")
	pflag.StringVar(&opts.secret, "mint-secret", "", "sign a development token with this secret instead of --token")
	pflag.StringVar(&opts.userID, "as-user", "dev-user", "identity id of a minted token")
	pflag.StringVar(&opts.name, "as-name", "Developer", "display name of a minted token")
	pflag.StringVar(&opts.role, "as-role", string(domain.RoleAgent), "role of a minted token")
	pflag.StringVar(&opts.issuer, "mint-issuer", os.Getenv("JWT_ISSUER"), "iss claim of a minted token")
	pflag.StringVar(&opts.audience, "mint-audience", os.Getenv("JWT_AUDIENCE"), "aud claim of a minted token")
	pflag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "collabctl:", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logger := logging.NewLogger(logging.Config{
		Level:       opts.logLevel,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "collabctl",
	})

	token, err := credential(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := client.DefaultConfig()
	cfg.URL = opts.url
	cfg.Credential = token
	cfg.BaseDelay = opts.baseDelay
	cfg.MaxAttempts = opts.maxAttempts

	terminal := make(chan client.Status, 1)
	ctl := client.New(cfg, client.NewWebSocketTransport(),
		client.WithLogger(logger),
		client.WithStateHandler(func(st client.Status) {
			printStatus(os.Stderr, st)
			if st.Terminal() {
				select {
				case terminal <- st:
				default:
				}
			}
		}),
	)
	defer ctl.Close()

	var active domain.TicketID
	for _, t := range opts.tickets {
		active = domain.TicketID(t)
		if err := ctl.Join(active); err != nil {
			return err
		}
	}

	if err := ctl.Connect(ctx); err != nil {
		return err
	}

	go printEvents(os.Stdout, ctl.Events())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	typing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-terminal:
			if st.Err != nil && ctx.Err() == nil {
				return st.Err
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "/") {
				if active == "" {
					fmt.Fprintln(os.Stderr, "no active ticket; /join one first")
					continue
				}
				if _, err := ctl.Send(active, line); err != nil {
					fmt.Fprintln(os.Stderr, "send:", err)
				}
				continue
			}

			cmd, args, _ := strings.Cut(line[1:], " ")
			args = strings.TrimSpace(args)
			switch cmd {
			case "quit":
				return nil
			case "join":
				active = domain.TicketID(args)
				err = ctl.Join(active)
			case "leave":
				err = ctl.Leave(domain.TicketID(args))
				if domain.TicketID(args) == active {
					active = ""
				}
			case "typing":
				typing = !typing
				err = ctl.Typing(active, typing)
			case "read":
				var ids []uuid.UUID
				for _, raw := range strings.Fields(args) {
					id, perr := uuid.Parse(raw)
					if perr != nil {
						err = perr
						break
					}
					ids = append(ids, id)
				}
				if err == nil {
					err = ctl.MarkRead(active, ids)
				}
			default:
				err = fmt.Errorf("unknown command %q", cmd)
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, cmd+":", err)
				err = nil
			}
		}
	}
}

func credential(opts options) (string, error) {
	if opts.secret == "" {
		if opts.token == "" {
			return "", fmt.Errorf("--token or --mint-secret is required")
		}
		return opts.token, nil
	}
	role, ok := domain.ParseRole(opts.role)
	if !ok {
		return "", fmt.Errorf("invalid role %q", opts.role)
	}
	minter := auth.NewTokenManager(opts.secret, time.Hour, auth.WithIssuer(opts.issuer), auth.WithAudience(opts.audience))
	return minter.GenerateToken(domain.Identity{
		UserID:      opts.userID,
		DisplayName: opts.name,
		Role:        role,
	})
}

func printStatus(w io.Writer, st client.Status) {
	switch {
	case st.State == client.StateReconnecting:
		fmt.Fprintf(w, "* reconnecting in %s (attempt %d): %v\n", st.Delay, st.Attempt, st.Err)
	case st.Err != nil:
		fmt.Fprintf(w, "* %s: %v\n", st.State, st.Err)
	default:
		fmt.Fprintf(w, "* %s\n", st.State)
	}
}

func printEvents(w io.Writer, events <-chan domain.Envelope) {
	for env := range events {
		switch env.Type {
		case domain.EventMessage:
			var m domain.MessageSnapshot
			if json.Unmarshal(env.Payload, &m) == nil {
				fmt.Fprintf(w, "[%s] %s: %s\n", m.TicketID, m.AuthorName, m.Content)
				continue
			}
		case domain.EventHistory:
			var h domain.HistoryPayload
			if json.Unmarshal(env.Payload, &h) == nil {
				fmt.Fprintf(w, "[%s] %d earlier messages\n", h.TicketID, len(h.Messages))
				for _, m := range h.Messages {
					fmt.Fprintf(w, "[%s] %s: %s\n", m.TicketID, m.AuthorName, m.Content)
				}
				continue
			}
		}
		fmt.Fprintf(w, "%s %s\n", env.Type, env.Payload)
	}
}
