// Package main provides solacectl, the command line client for the solace
// worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/solace-ai/solace/pkg/client"
	"github.com/solace-ai/solace/pkg/models"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "health":
		err = runHealth(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "start":
		err = runStart(ctx, args)
	case "current":
		err = runCurrent(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "messages":
		err = runMessages(ctx, args)
	case "pause":
		err = runPause(ctx, args)
	case "resume":
		err = runResume(ctx, args)
	case "complete":
		err = runComplete(ctx, args)
	case "insights":
		err = runInsights(ctx, args)
	case "team":
		err = runTeam(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	case "version":
		fmt.Println(Version)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "solacectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: solacectl <command> [flags]

Commands:
  health                       worker liveness probe
  status                       worker status and session counts
  start    --user <id>         start a new session
  current  --user <id>         show the current session
  send     --user <id> --session <id> <text...>
                               send a message
  messages --user <id> --session <id>
                               list the conversation transcript
  pause    --user <id> --session <id>
                               pause the session
  resume   --user <id> --session <id>
                               resume a paused session
  complete --user <id> --session <id>
                               complete the session
  insights --user <id> --session <id>
                               show analysis insights
  team     --manager <id>      show the aggregate team view
  watch    [--user <id>]       stream session events
  version                      print the client version

Common flags:
  --addr <url>    worker base URL (default: http://localhost:8787)
  --token <tok>   bearer token (default: $SOLACE_AUTH_TOKEN)`)
}

// commonFlags registers the flags every command shares and returns a
// constructor for the configured client.
func commonFlags(fs *flag.FlagSet) func() *client.Client {
	addr := fs.String("addr", "", "Worker base URL (default: local worker)")
	token := fs.String("token", os.Getenv("SOLACE_AUTH_TOKEN"), "Bearer token")
	return func() *client.Client {
		return client.New(*addr, *token)
	}
}

func runHealth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	build := commonFlags(fs)
	_ = fs.Parse(args)

	health, err := build().Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s\nready: %t\nversion: %s\n", health.Status, health.Ready, health.Version)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	build := commonFlags(fs)
	_ = fs.Parse(args)

	status, err := build().Status(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("version: %s\nuptime: %s\nactive sessions: %d\npaused sessions: %d\nsse clients: %d\nfeed backend: %s\ndatabase: %s\n",
		status.Version,
		(time.Duration(status.UptimeSeconds) * time.Second).String(),
		status.ActiveSessions,
		status.PausedSessions,
		status.SSEClients,
		status.FeedBackend,
		status.DatabaseDriver)
	return nil
}

func runStart(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	build := commonFlags(fs)
	user := fs.String("user", "", "User id (required)")
	_ = fs.Parse(args)
	if *user == "" {
		return errors.New("--user is required")
	}

	view, err := build().StartSession(ctx, *user)
	if err != nil {
		return err
	}
	fmt.Printf("started session %s for %s\n", view.Conversation.ID, *user)
	return nil
}

func runCurrent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("current", flag.ExitOnError)
	build := commonFlags(fs)
	user := fs.String("user", "", "User id (required)")
	_ = fs.Parse(args)
	if *user == "" {
		return errors.New("--user is required")
	}

	view, err := build().CurrentSession(ctx, *user)
	if err != nil {
		return err
	}
	if !view.HasActiveSession {
		fmt.Printf("no live session for %s\n", *user)
		return nil
	}

	state := "active"
	if view.IsPaused {
		state = "paused"
	}
	fmt.Printf("session: %s\nstate: %s\nwaiting for assistant: %t\nmessages: %d\n",
		view.Conversation.ID, state, view.IsWaitingForAI, len(view.Messages))
	return nil
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	build := commonFlags(fs)
	user := fs.String("user", "", "User id (required)")
	sessionID := fs.String("session", "", "Conversation id (required)")
	_ = fs.Parse(args)
	if *user == "" || *sessionID == "" {
		return errors.New("--user and --session are required")
	}
	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if content == "" {
		return errors.New("message text is required")
	}

	msg, err := build().SendMessage(ctx, *user, *sessionID, content)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", msg.ID)
	return nil
}

func runMessages(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	build := commonFlags(fs)
	user := fs.String("user", "", "User id (required)")
	sessionID := fs.String("session", "", "Conversation id (required)")
	_ = fs.Parse(args)
	if *user == "" || *sessionID == "" {
		return errors.New("--user and --session are required")
	}

	msgs, err := build().Messages(ctx, *user, *sessionID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt, msg.Role, msg.Content)
	}
	return nil
}

func runPause(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pause", flag.ExitOnError)
	build := commonFlags(fs)
	user := fs.String("user", "", "User id (required)")
	sessionID := fs.String("session", "", "Conversation id (required)")
	_ = fs.Parse(args)
	if *user == "" || *sessionID == "" {
		return errors.New("--user and --session are required")
	}

	if err := build().PauseSession(ctx, *user, *sessionID); err != nil {
		return err
	}
	fmt.Println("paused")
	return nil
}

func runResume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	build := commonFlags(fs)
	user := fs.String("user", "", "User id (required)")
	sessionID := fs.String("session", "", "Conversation id (required)")
	_ = fs.Parse(args)
	if *user == "" || *sessionID == "" {
		return errors.New("--user and --session are required")
	}

	view, err := build().ResumeSession(ctx, *user, *sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("resumed session %s with %d messages\n", view.Conversation.ID, len(view.Messages))
	return nil
}

func runComplete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	build := commonFlags(fs)
	user := fs.String("user", "", "User id (required)")
	sessionID := fs.String("session", "", "Conversation id (required)")
	_ = fs.Parse(args)
	if *user == "" || *sessionID == "" {
		return errors.New("--user and --session are required")
	}

	err := build().CompleteSession(ctx, *user, *sessionID)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Required > 0 {
		return fmt.Errorf("completion blocked: %d of %d user messages sent", apiErr.Sent, apiErr.Required)
	}
	if err != nil {
		return err
	}
	fmt.Println("completed")
	return nil
}

func runInsights(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("insights", flag.ExitOnError)
	build := commonFlags(fs)
	user := fs.String("user", "", "User id (required)")
	sessionID := fs.String("session", "", "Conversation id (required)")
	asJSON := fs.Bool("json", false, "Print the raw JSON payload")
	_ = fs.Parse(args)
	if *user == "" || *sessionID == "" {
		return errors.New("--user and --session are required")
	}

	insights, err := build().SessionInsights(ctx, *user, *sessionID)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(insights)
	}

	if insights.Summary.Valid {
		fmt.Printf("summary: %s\n", insights.Summary.String)
	}
	for _, insight := range insights.KeyInsights {
		fmt.Printf("  - %s\n", insight)
	}
	if !insights.Ocean.IsZero() {
		printOcean("ocean", insights.Ocean)
	}
	for _, rec := range insights.Recommendations {
		fmt.Printf("  > %s\n", rec)
	}
	return nil
}

func runTeam(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("team", flag.ExitOnError)
	build := commonFlags(fs)
	manager := fs.String("manager", "", "Manager id (required)")
	asJSON := fs.Bool("json", false, "Print the raw JSON payload")
	_ = fs.Parse(args)
	if *manager == "" {
		return errors.New("--manager is required")
	}

	report, err := build().TeamInsights(ctx, *manager)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(report)
	}

	fmt.Printf("team of %s (%d members)\n", report.ManagerID, len(report.Members))
	for _, member := range report.Members {
		fmt.Printf("  %s: %d sessions", member.UserID, member.Sessions)
		if member.HasOceanSignals {
			fmt.Printf(", neuroticism %.2f", member.Ocean.Neuroticism)
		}
		fmt.Println()
	}
	if !report.AverageOcean.IsZero() {
		printOcean("team average", report.AverageOcean)
	}
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	build := commonFlags(fs)
	user := fs.String("user", "", "Only this user's events (default: all)")
	_ = fs.Parse(args)

	fmt.Fprintln(os.Stderr, "watching events, ctrl-c to stop")
	return build().WatchEvents(ctx, *user, func(ev client.Event) {
		fmt.Printf("%s %s\n", ev.Name, ev.Data)
	})
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printOcean(label string, scores models.OceanScores) {
	fmt.Printf("%s: O %.2f C %.2f E %.2f A %.2f N %.2f\n",
		label,
		scores.Openness,
		scores.Conscientiousness,
		scores.Extraversion,
		scores.Agreeableness,
		scores.Neuroticism)
}
