package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/whalewatch/service/ethereum"
	"github.com/brojonat/whalewatch/service/ingest"
	"github.com/brojonat/whalewatch/service/notify"
	"github.com/brojonat/whalewatch/service/whale"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

// classifyResult is the JSON shape printed by the classify command.
type classifyResult struct {
	Decision         string `json:"decision"`
	Priority         string `json:"priority,omitempty"`
	SkipReason       string `json:"skip_reason,omitempty"`
	ExchangeInvolved bool   `json:"exchange_involved"`
	ValueETH         string `json:"value_eth"`
	ValueUSD         string `json:"value_usd"`
}

func classifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "classify",
		Usage: "Classify a hypothetical transfer without touching the chain or the database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "value-eth", Usage: "Transfer amount in ETH", Required: true},
			&cli.StringFlag{Name: "from", Usage: "Sender address"},
			&cli.StringFlag{Name: "to", Usage: "Recipient address (empty means contract creation)"},
			&cli.StringFlag{Name: "high-threshold", EnvVars: []string{"WHALE_THRESHOLD_HIGH"}, Value: "500"},
			&cli.StringFlag{Name: "normal-threshold", EnvVars: []string{"WHALE_THRESHOLD_NORMAL"}, Value: "200"},
			&cli.StringFlag{Name: "eth-usd", EnvVars: []string{"ETH_USD_RATE"}, Value: "1800"},
			&cli.StringSliceFlag{Name: "exchange", Usage: "Additional exchange address (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			res, err := classifyTransfer(
				c.String("value-eth"),
				c.String("from"),
				c.String("to"),
				c.String("high-threshold"),
				c.String("normal-threshold"),
				c.String("eth-usd"),
				c.StringSlice("exchange"),
			)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(res)
			}
			fmt.Printf("Decision:   %s\n", res.Decision)
			if res.SkipReason != "" {
				fmt.Printf("Reason:     %s\n", res.SkipReason)
			}
			fmt.Printf("Exchange:   %t\n", res.ExchangeInvolved)
			fmt.Printf("Value:      %s ETH (~$%s)\n", res.ValueETH, res.ValueUSD)
			return nil
		},
	}
}

func classifyTransfer(value, from, to, high, normal, rate string, extraExchanges []string) (*classifyResult, error) {
	parse := func(name, s string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, s, err)
		}
		return d, nil
	}

	v, err := parse("value", value)
	if err != nil {
		return nil, err
	}
	th := whale.Thresholds{}
	if th.High, err = parse("high threshold", high); err != nil {
		return nil, err
	}
	if th.Normal, err = parse("normal threshold", normal); err != nil {
		return nil, err
	}
	r, err := parse("rate", rate)
	if err != nil {
		return nil, err
	}
	dir, err := whale.NewDefaultDirectory(extraExchanges...)
	if err != nil {
		return nil, err
	}

	cls := whale.Classify(whale.Transaction{From: from, To: to, Value: v}, th, dir)
	res := &classifyResult{
		Decision:         cls.Decision.String(),
		SkipReason:       cls.SkipReason,
		ExchangeInvolved: cls.ExchangeInvolved,
		ValueETH:         v.StringFixed(2),
		ValueUSD:         whale.EstimateFiat(v, r).StringFixed(2),
	}
	if cls.Decision != whale.Skip {
		res.Priority = string(cls.Priority())
	}
	return res, nil
}

func ingestBlockCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest-block",
		Usage:     "Fetch one block from the node and record its whales",
		ArgsUsage: "<block-number|latest>",
		Description: `Replays a single block through the classifier and recorder. Useful for
backfilling a block missed during a reconnect; already recorded transactions
are left untouched.`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "rpc-url", Usage: "Ethereum JSON-RPC endpoint", EnvVars: []string{"ETH_RPC_URL"}},
			&cli.StringFlag{Name: "alchemy-api-key", EnvVars: []string{"ALCHEMY_API_KEY"}},
			&cli.StringFlag{Name: "high-threshold", EnvVars: []string{"WHALE_THRESHOLD_HIGH"}, Value: "500"},
			&cli.StringFlag{Name: "normal-threshold", EnvVars: []string{"WHALE_THRESHOLD_NORMAL"}, Value: "200"},
			&cli.StringFlag{Name: "eth-usd", EnvVars: []string{"ETH_USD_RATE"}, Value: "1800"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: block number or latest")
			}
			arg := c.Args().First()
			var number uint64
			if arg != "latest" {
				n, err := strconv.ParseUint(arg, 0, 64)
				if err != nil {
					return fmt.Errorf("invalid block number: %w", err)
				}
				number = n
			}

			rpcURL := c.String("rpc-url")
			if rpcURL == "" && c.String("alchemy-api-key") != "" {
				rpcURL = "https://eth-mainnet.g.alchemy.com/v2/" + c.String("alchemy-api-key")
			}
			if rpcURL == "" {
				return fmt.Errorf("rpc-url is required (set ETH_RPC_URL or ALCHEMY_API_KEY)")
			}

			high, err := decimal.NewFromString(c.String("high-threshold"))
			if err != nil {
				return fmt.Errorf("invalid high threshold: %w", err)
			}
			normal, err := decimal.NewFromString(c.String("normal-threshold"))
			if err != nil {
				return fmt.Errorf("invalid normal threshold: %w", err)
			}
			rate, err := decimal.NewFromString(c.String("eth-usd"))
			if err != nil {
				return fmt.Errorf("invalid eth-usd rate: %w", err)
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
			rpc := ethereum.NewRPCClient(rpcURL, 5, 15*time.Second, nil, logger)
			if arg == "latest" {
				if number, err = rpc.BlockNumber(c.Context); err != nil {
					return err
				}
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			dir, err := whale.NewDefaultDirectory()
			if err != nil {
				return err
			}
			ing := ingest.NewIngestor(nil,
				rpc,
				ingest.NewRecorder(store, nil, 10*time.Second, nil, logger),
				ingest.Config{
					Thresholds:  whale.Thresholds{High: high, Normal: normal},
					Exchanges:   dir,
					Rates:       whale.FixedRate(rate),
					NodeTimeout: 15 * time.Second,
					Source:      "cli",
				},
				nil, logger)

			if err := ing.ProcessBlock(c.Context, number); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ Block %d processed\n", number)
			return nil
		},
	}
}

func notifyTestCommand() *cli.Command {
	return &cli.Command{
		Name:  "notify-test",
		Usage: "Send a test message through the configured Telegram bot",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bot-token", EnvVars: []string{"TELEGRAM_BOT_TOKEN"}, Required: true},
			&cli.StringFlag{Name: "chat-id", EnvVars: []string{"TELEGRAM_CHAT_ID"}, Required: true},
			&cli.StringFlag{Name: "api-url", EnvVars: []string{"TELEGRAM_API_URL"}, Value: "https://api.telegram.org"},
			&cli.StringFlag{Name: "text", Value: "🐋 whalewatch test notification"},
		},
		Action: func(c *cli.Context) error {
			n := notify.NewTelegramNotifier(c.String("api-url"), c.String("bot-token"), c.String("chat-id"), 10*time.Second, nil)
			if err := n.Send(c.Context, notify.Message{Text: c.String("text"), DisableWebPagePreview: true}); err != nil {
				return fmt.Errorf("test notification failed: %w", err)
			}
			fmt.Println("✓ Test notification delivered")
			return nil
		},
	}
}

func shortHash(h string) string {
	if len(h) <= 18 {
		return h
	}
	return h[:10] + "…" + h[len(h)-6:]
}

func formatUSD(v decimal.NullDecimal) string {
	if !v.Valid {
		return "-"
	}
	return v.Decimal.StringFixed(2)
}
