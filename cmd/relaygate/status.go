package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"relaygate/internal/backend"
	"relaygate/internal/config"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var slackToken string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the gateway's dependencies",
		Long: `Loads the config and checks the store, the rate limit backend, object
storage and every backend's agent card. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("relaygate status v%s\n\n", version)

			r := &report{}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config", err.Error())
				return r.summary()
			}
			r.pass("Config", cfgPath)

			ctx, cancel := context.WithTimeout(context.Background(), backend.CardTimeout)
			defer cancel()

			checkStore(ctx, r, cfg)
			checkRateLimit(ctx, r, cfg)
			checkObjectStore(ctx, r, cfg)
			checkBackends(ctx, r, cfg)

			if slackToken != "" {
				team, user, err := newSlack(cfg).AuthTest(ctx, slackToken)
				if err != nil {
					r.fail("Slack token", err.Error())
				} else {
					r.pass("Slack token", fmt.Sprintf("%s in %s", user, team))
				}
			}

			if cfg.Router.Strategy != "keyword" && cfg.Router.APIKey == "" {
				r.warn("Router", "no apiKey: tasks are routed only when a single backend is configured")
			} else {
				r.pass("Router", cfg.Router.Strategy)
			}

			return r.summary()
		},
	}
	cmd.Flags().StringVar(&slackToken, "slack-token", "", "bot token to check with auth.test")
	return cmd
}

func checkStore(ctx context.Context, r *report, cfg *config.Config) {
	if !cfg.Store.Enabled {
		r.warn("Store", "disabled: no audit trail and no store whitelist")
		return
	}
	st, err := openStore(cfg)
	if err != nil {
		r.fail("Store", err.Error())
		return
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		r.fail("Store", err.Error())
		return
	}
	counts, err := st.TaskCounts(ctx)
	if err != nil {
		r.fail("Store", err.Error())
		return
	}
	r.pass("Store", fmt.Sprintf("%s (%d completed, %d error)", cfg.Store.DBPath, counts["completed"], counts["error"]))
}

func checkRateLimit(ctx context.Context, r *report, cfg *config.Config) {
	b, closeFn, err := newRateLimitBackend(ctx, cfg)
	if err != nil {
		r.fail("Rate limit", err.Error())
		return
	}
	if closeFn != nil {
		defer closeFn()
	}
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if b == nil {
		r.warn("Rate limit", "disabled")
		return
	}
	if p, ok := b.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			r.warn("Rate limit", fmt.Sprintf("%s unreachable, requests will not be limited: %v", cfg.RateLimit.Backend, err))
			return
		}
	}
	r.pass("Rate limit", cfg.RateLimit.Backend)
}

func checkObjectStore(ctx context.Context, r *report, cfg *config.Config) {
	objects, err := newObjectStore(cfg)
	if err != nil {
		r.fail("Object storage", err.Error())
		return
	}
	if objects == nil {
		r.warn("Object storage", "disabled: attachments pass through and large results fail")
		return
	}
	if err := objects.Ping(ctx); err != nil {
		r.fail("Object storage", err.Error())
		return
	}
	r.pass("Object storage", cfg.Storage.BucketURL)
}

func checkBackends(ctx context.Context, r *report, cfg *config.Config) {
	registry, err := newRegistry(cfg)
	if err != nil {
		r.fail("Backends", err.Error())
		return
	}
	if registry.Len() == 0 {
		r.warn("Backends", "none configured")
		return
	}
	for _, id := range registry.IDs() {
		b, _ := registry.Get(id)
		card, err := b.Card(ctx)
		switch {
		case err != nil:
			r.warn("Backend "+id, fmt.Sprintf("card discovery failed: %v", err))
		case card.URL == "":
			r.warn("Backend "+id, "no url: tasks routed here are declined")
		default:
			r.pass("Backend "+id, fmt.Sprintf("%s (%s)", card.Name, card.URL))
		}
	}
}

// report collects check results for the status command.
type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the task audit trail",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := requireStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := context.Background()
			entries, err := st.RecentTasks(ctx, limit)
			if err != nil {
				return err
			}
			counts, err := st.TaskCounts(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CORRELATION ID\tSTATUS\tSTATE\tERROR\tBACKEND\tDURATION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CorrelationID, e.Status, e.State, e.ErrorCode, e.BackendID, e.Duration.Round(time.Millisecond))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			fmt.Println()
			for _, s := range statuses {
				fmt.Printf("%s: %d\n", s, counts[s])
			}
			return nil
		},
	}
	recent.Flags().IntVarP(&limit, "limit", "n", 20, "number of tasks to show")
	cmd.AddCommand(recent)

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit rows older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := requireStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.PruneAudit(context.Background(), time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			logger.Info("audit pruned", "deleted", n, "older_than_days", days)
			return nil
		},
	}
	prune.Flags().IntVar(&days, "days", 30, "retention in days")
	cmd.AddCommand(prune)

	return cmd
}
