package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/generic"
)

var (
	flagDaysBack int
	flagFrom     string
	flagTo       string
	flagFile     string
)

var syncCmd = &cobra.Command{
	Use:   "sync [kind|all]",
	Short: "Sync one kind, or every configured kind",
	Long: `Sync pulls spots, products, clients or transactions from Poster (or from a
dump file with --file) into the local store and applies the ledger effects
of closed receipts.

The window applies to transactions only:
  --from/--to        explicit dates, YYYY-MM-DD, both inclusive
  --days-back 0      today
  --days-back N      N days ago until now
  (none)             sync.default_window, else the last 7 days

Example:
  loyalty sync all --days-back 1
  loyalty sync transactions --from 2025-03-01 --to 2025-03-31
  loyalty sync all --file ./export.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().IntVar(&flagDaysBack, "days-back", -1, "window start in days before today (0 = today)")
	syncCmd.Flags().StringVar(&flagFrom, "from", "", "window start date (YYYY-MM-DD)")
	syncCmd.Flags().StringVar(&flagTo, "to", "", "window end date (YYYY-MM-DD)")
	syncCmd.Flags().StringVar(&flagFile, "file", "", "read records from a YAML/JSON dump instead of the API")
	syncCmd.MarkFlagsRequiredTogether("from", "to")
	syncCmd.MarkFlagsMutuallyExclusive("from", "days-back")
}

func runSync(cmd *cobra.Command, args []string) error {
	kinds, err := parseKinds(args, cfg.Kinds())
	if err != nil {
		return err
	}
	window, err := resolveWindow(cfg, time.Now(), flagFrom, flagTo, flagDaysBack)
	if err != nil {
		return err
	}

	src, err := newSource(cfg, flagFile)
	if err != nil {
		return err
	}
	orch := newOrchestrator(cfg, src, newLedger())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runs, runErr := orch.RunAll(ctx, kinds, window)
	if err := printRuns(cmd.OutOrStdout(), runs); err != nil {
		return err
	}
	return runErr
}

// parseKinds maps the positional argument; none or "all" means configured.
func parseKinds(args []string, configured []generic.SyncKind) ([]generic.SyncKind, error) {
	if len(args) == 0 || args[0] == "all" {
		return configured, nil
	}
	kind, ok := generic.ParseSyncKind(args[0])
	if !ok {
		names := make([]string, len(generic.AllKinds))
		for i, k := range generic.AllKinds {
			names[i] = string(k)
		}
		return nil, fmt.Errorf("unknown kind %q (valid: all, %s)", args[0], strings.Join(names, ", "))
	}
	return []generic.SyncKind{kind}, nil
}

// resolveWindow applies explicit dates > days-back > configured default.
func resolveWindow(c *config.Config, now time.Time, from, to string, daysBack int) (generic.Window, error) {
	loc := c.Location()
	if from != "" {
		return generic.ParseWindow(from, to, loc)
	}
	now = now.In(loc)
	return generic.WindowFromDaysBack(now, &daysBack, c.DefaultWindow(now)), nil
}
