package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/backend"
	"github.com/ShayCichocki/crew/internal/router"
	"github.com/ShayCichocki/crew/pkg/models"
)

var (
	routeKind     string
	routePriority string
	routeStrategy string
	routeSystem   string
	routeDryRun   bool
	routeTimeout  time.Duration
)

var routeCmd = &cobra.Command{
	Use:   "route <prompt>",
	Short: "Route a single prompt to the best backend",
	Long: `Send one prompt through the model router and print the reply with the
routing decision. Use --dry-run to see the decision without calling a backend.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().StringVar(&routeKind, "kind", "", "Task kind hint (code, design, test, analysis, review, documentation)")
	routeCmd.Flags().StringVar(&routePriority, "priority", "", "Priority hint (low, medium, high, critical)")
	routeCmd.Flags().StringVar(&routeStrategy, "strategy", "", "Override the configured routing strategy")
	routeCmd.Flags().StringVar(&routeSystem, "system", "", "System prompt")
	routeCmd.Flags().BoolVar(&routeDryRun, "dry-run", false, "Select a backend without calling it")
	routeCmd.Flags().DurationVar(&routeTimeout, "timeout", 2*time.Minute, "Overall timeout")
}

// routeHint validates the hint flags.
func routeHint(kind, priority, strategy string) (router.Hint, error) {
	var h router.Hint
	if kind != "" {
		h.Kind = models.TaskKind(strings.ToLower(kind))
		if !h.Kind.Valid() {
			return h, fmt.Errorf("unknown kind %q", kind)
		}
	}
	if priority != "" {
		h.Priority = models.Priority(strings.ToLower(priority))
		if !h.Priority.Valid() {
			return h, fmt.Errorf("unknown priority %q", priority)
		}
	}
	if strategy != "" {
		s, err := router.ParseStrategy(strategy)
		if err != nil {
			return h, err
		}
		h.Strategy = s
	}
	return h, nil
}

func runRoute(cmd *cobra.Command, args []string) error {
	hint, err := routeHint(routeKind, routePriority, routeStrategy)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	var msgs []backend.Message
	if routeSystem != "" {
		msgs = append(msgs, backend.System(routeSystem))
	}
	msgs = append(msgs, backend.User(strings.Join(args, " ")))

	if routeDryRun {
		d, err := a.router.Select(msgs, hint)
		if err != nil {
			return err
		}
		printDecision(d)
		return nil
	}

	resp, d, err := a.router.Route(ctx, msgs, hint)
	if d != nil {
		printDecision(d)
	}
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(resp.Content)
	fmt.Fprintf(os.Stderr, "\n%d tokens, $%.4f, spent today $%.2f of $%.2f\n",
		resp.Usage.Total(), resp.Cost, a.ledger.SpentToday(), a.ledger.DailyLimit())
	return nil
}

func printDecision(d *router.Decision) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(os.Stderr, "%s %s (%s, complexity %d)\n", bold("Backend:"), green(d.Key()), d.Strategy, d.Complexity)
	fmt.Fprintf(os.Stderr, "%s %s\n", bold("Reason:"), d.Reason)
	fmt.Fprintf(os.Stderr, "%s %s\n", bold("Estimated cost:"), yellow(fmt.Sprintf("$%.4f", d.EstimatedCost)))
	if len(d.Alternatives) > 0 {
		fmt.Fprintf(os.Stderr, "%s %s\n", bold("Alternatives:"), strings.Join(d.Alternatives, ", "))
	}
	for _, at := range d.Attempts {
		outcome := string(at.Outcome)
		switch at.Outcome {
		case router.AttemptSucceeded:
			outcome = green(outcome)
		case router.AttemptFailed:
			outcome = red(outcome)
		}
		line := fmt.Sprintf("  %s %s", at.Backend, outcome)
		if at.Error != "" {
			line += ": " + at.Error
		}
		fmt.Fprintln(os.Stderr, line)
	}
}
