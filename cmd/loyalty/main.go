/*
main.go - Application entry point

PURPOSE:
  The loyalty CLI. One binary serves the operator API and runs one-off
  syncs, backfills, ledger checks and adjustments from the shell.

COMMANDS:
  serve      HTTP API plus the periodic sync scheduler
  sync       Sync one kind or "all" from Poster or a dump file
  backfill   Fill NULL references and ledger newly linked receipts
  check      Verify balance == sum(ledger) for every client
  adjust     Append a manual ADJUST entry
  runs       Print the sync run log

CONFIGURATION:
  loyalty.yaml (see config package) plus LOYALTY_* environment variables.

EXIT CODES:
  0  success
  1  any command error, including a failed run or a failed ledger check

SEE ALSO:
  - root.go: Shared startup (config, logger, store)
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
