// Command replaydecisions prints the recent decision history for an entity
// from the audit database, and can attach a confirmed fraud label to a past
// transaction for offline evaluation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"fraudshield/pkg/audit"
)

func main() {
	var (
		dbPath   = flag.String("db", "data/decisions.db", "path to the decision audit database")
		entityID = flag.String("entity", "", "entity id to replay")
		limit    = flag.Int("limit", 20, "maximum number of decisions to print")
		label    = flag.String("label", "", "transaction_id=0|1 to record a confirmed outcome")
		asJSON   = flag.Bool("json", false, "print full records as JSON lines")
	)
	flag.Parse()

	store, err := audit.NewDecisionStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replaydecisions: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *label != "" {
		txID, outcome, ok := parseLabel(*label)
		if !ok {
			fmt.Fprintln(os.Stderr, "replaydecisions: -label must be transaction_id=0 or transaction_id=1")
			os.Exit(2)
		}
		if err := store.LabelOutcome(ctx, txID, outcome); err != nil {
			fmt.Fprintf(os.Stderr, "replaydecisions: label %s: %v\n", txID, err)
			os.Exit(1)
		}
		fmt.Printf("labeled %s actual=%d\n", txID, outcome)
		return
	}

	if *entityID == "" {
		fmt.Fprintln(os.Stderr, "replaydecisions: -entity is required")
		flag.Usage()
		os.Exit(2)
	}

	recs, err := store.RecentByEntity(ctx, *entityID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replaydecisions: %v\n", err)
		os.Exit(1)
	}
	if len(recs) == 0 {
		fmt.Printf("no decisions for entity %s\n", *entityID)
		return
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, rec := range recs {
			enc.Encode(rec)
		}
		return
	}
	fmt.Printf("%-24s %-36s %9s %8s %8s %8s %9s\n",
		"CREATED", "TRANSACTION", "AMOUNT", "PROB", "TIER", "ACTION", "PATH")
	for _, rec := range recs {
		fmt.Printf("%-24s %-36s %9.2f %8.4f %8s %8s %9s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.TransactionID, rec.Amount, rec.Probability,
			rec.RiskTier, rec.Action, rec.Path)
	}
}

func parseLabel(s string) (txID string, outcome int, ok bool) {
	for i := len(s) - 2; i >= 0; i-- {
		if s[i] == '=' {
			txID = s[:i]
			switch s[i+1:] {
			case "0":
				return txID, 0, txID != ""
			case "1":
				return txID, 1, txID != ""
			}
			return "", 0, false
		}
	}
	return "", 0, false
}
