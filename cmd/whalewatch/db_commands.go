package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/whalewatch/service/alert"
	"github.com/brojonat/whalewatch/service/db"
	"github.com/brojonat/whalewatch/service/whale"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema (idempotent)",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "print",
				Usage: "Print the schema instead of applying it",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("print") {
				fmt.Print(db.Schema())
				return nil
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "✓ Schema applied")
			return nil
		},
	}
}

func listWhalesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-whales",
		Usage:   "List recorded whale transactions",
		Aliases: []string{"whales"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "priority",
				Aliases: []string{"p"},
				Usage:   "Filter by priority (high, normal)",
			},
			&cli.DurationFlag{
				Name:  "since",
				Usage: "Only whales recorded within this duration (e.g. 1h)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of whales",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			params := db.ListWhalesParams{Limit: int32(c.Int("limit"))}
			if p := c.String("priority"); p != "" {
				params.Priority = whale.Priority(p)
				if !params.Priority.Valid() {
					return fmt.Errorf("invalid priority %q (use high or normal)", p)
				}
			}
			if d := c.Duration("since"); d > 0 {
				params.Since = time.Now().Add(-d)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			whales, err := store.ListWhales(c.Context, params)
			if err != nil {
				return fmt.Errorf("failed to list whales: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(whales)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TX HASH\tBLOCK\tVALUE ETH\tVALUE USD\tPRIORITY\tEXCHANGE\tRECORDED")
			for _, wh := range whales {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%t\t%s\n",
					shortHash(wh.TxHash),
					wh.BlockNumber,
					wh.ValueETH.StringFixed(2),
					formatUSD(wh.ValueUSD),
					wh.Priority,
					wh.ExchangeInvolved,
					wh.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d whales\n", len(whales))
			return nil
		},
	}
}

func getWhaleCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-whale",
		Usage:     "Show one recorded whale transaction",
		ArgsUsage: "<tx-hash>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction hash")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wh, err := store.GetWhale(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get whale: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wh)
			}

			fmt.Printf("Tx Hash:    %s\n", wh.TxHash)
			fmt.Printf("Block:      %d\n", wh.BlockNumber)
			fmt.Printf("Time:       %s\n", wh.Timestamp.Format(time.RFC3339))
			fmt.Printf("From:       %s\n", wh.FromAddress)
			fmt.Printf("To:         %s\n", wh.ToAddress)
			fmt.Printf("Value:      %s ETH (%s USD)\n", wh.ValueETH.String(), formatUSD(wh.ValueUSD))
			fmt.Printf("Priority:   %s\n", wh.Priority)
			fmt.Printf("Exchange:   %t\n", wh.ExchangeInvolved)
			fmt.Printf("Ingest ID:  %s\n", wh.IngestID)
			fmt.Printf("Recorded:   %s\n", wh.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func listAlertsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-alerts",
		Usage:   "List alerts",
		Aliases: []string{"alerts"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, sent, failed)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of alerts",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			status := db.AlertStatus(c.String("status"))
			switch status {
			case "", db.AlertPending, db.AlertSent, db.AlertFailed:
			default:
				return fmt.Errorf("invalid status %q", status)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			alerts, err := store.ListAlerts(c.Context, db.ListAlertsParams{Status: status, Limit: int32(c.Int("limit"))})
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(alerts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPRIORITY\tSTATUS\tRETRIES\tTITLE\tTX HASH\tCREATED\tERROR")
			for _, a := range alerts {
				errMsg := ""
				if a.ErrorMessage != nil {
					errMsg = *a.ErrorMessage
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					a.ID,
					a.Priority,
					a.Status,
					a.RetryCount,
					a.Title,
					shortHash(a.RelatedTxHash),
					a.CreatedAt.Format(time.RFC3339),
					errMsg,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d alerts\n", len(alerts))
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show alert counts by status",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			counts, err := store.CountAlertsByStatus(c.Context)
			if err != nil {
				return fmt.Errorf("failed to count alerts: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(counts)
			}
			for _, s := range []db.AlertStatus{db.AlertPending, db.AlertSent, db.AlertFailed} {
				fmt.Printf("%-8s %d\n", s, counts[s])
			}
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Delete alerts older than the retention window now",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "Retention window",
				EnvVars: []string{"ALERT_RETENTION"},
				Value:   7 * 24 * time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			n, err := alert.NewSweeper(store, c.Duration("retention"), 0, nil, nil, logger).Run(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(map[string]int64{"deleted": n})
			}
			fmt.Printf("Deleted %d alerts\n", n)
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.NewPool(ctx, dbURL)
	if err != nil {
		return nil, nil, err
	}

	return db.NewStore(pool), pool.Close, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
