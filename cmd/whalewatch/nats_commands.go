package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natspkg "github.com/brojonat/whalewatch/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams whale or alert events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Stream whale or alert events from JetStream",
		ArgsUsage: "<whales|alerts>",
		Description: `Subscribe to real-time events published to NATS JetStream.

Whales are published to whales.{priority} and terminal alerts to
alerts.{status}. Events can be narrowed with one or more jq expressions;
all of them must evaluate to true.

Examples:
  whalewatch nats subscribe whales --priority high
  whalewatch nats subscribe whales --must-jq '.exchange_involved' --must-jq '(.value_eth|tonumber) > 1000'
  whalewatch nats subscribe alerts --status failed --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "priority",
				Usage: "Only whales of this priority (high, normal)",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Only alerts in this status (sent, failed)",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "whalewatch-cli",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: whales or alerts")
			}

			subject, err := subscriptionSubject(c.Args().First(), c.String("priority"), c.String("status"))
			if err != nil {
				return err
			}
			codes, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			return streamEvents(streamOptions{
				natsURL:      c.String("nats-url"),
				subject:      subject,
				durable:      c.Bool("durable"),
				consumerName: c.String("consumer-name"),
				jsonOutput:   c.Bool("json"),
				filter: func(v any) bool {
					return matchesAll(codes, v)
				},
			})
		},
	}
}

// subscriptionSubject maps the CLI arguments to a JetStream filter subject.
func subscriptionSubject(kind, priority, status string) (string, error) {
	switch kind {
	case "whales", "whale":
		if priority == "" {
			return natspkg.WhaleSubjects, nil
		}
		if priority != "high" && priority != "normal" {
			return "", fmt.Errorf("invalid priority %q", priority)
		}
		return natspkg.WhaleSubject(priority), nil
	case "alerts", "alert":
		if status == "" {
			return natspkg.AlertSubjects, nil
		}
		if status != "sent" && status != "failed" {
			return "", fmt.Errorf("invalid status %q", status)
		}
		return natspkg.AlertSubject(status), nil
	default:
		return "", fmt.Errorf("unknown event kind %q (use whales or alerts)", kind)
	}
}

type streamOptions struct {
	natsURL      string
	subject      string
	durable      bool
	consumerName string
	jsonOutput   bool
	filter       func(any) bool
}

// streamEvents connects to NATS and prints matching events until interrupted.
func streamEvents(opts streamOptions) error {
	nc, err := nats.Connect(opts.natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !opts.jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", opts.subject)
		fmt.Printf("   NATS: %s\n", opts.natsURL)
		if opts.durable {
			fmt.Printf("   Consumer: %s (durable)\n", opts.consumerName)
		}
		fmt.Printf("\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: opts.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if opts.durable {
		consumerConfig.Durable = opts.consumerName
		consumerConfig.Name = opts.consumerName
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var generic any
			if err := json.Unmarshal(msg.Data(), &generic); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				_ = msg.Ack()
				continue
			}
			if opts.filter != nil && !opts.filter(generic) {
				_ = msg.Ack()
				continue
			}

			count++
			if opts.jsonOutput {
				fmt.Println(string(msg.Data()))
			} else {
				printEvent(msg.Subject(), msg.Data(), count)
			}
			_ = msg.Ack()

		case <-sigChan:
			if !opts.jsonOutput {
				fmt.Printf("\n\n✅ Received %d events\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

func printEvent(subject string, data []byte, n int) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Event #%d  (%s)\n", n, subject)
	fmt.Printf("─────────────────────────────────────────────────────\n")

	var whale natspkg.WhaleEvent
	var alert natspkg.AlertEvent
	switch {
	case strings.HasPrefix(subject, "whales.") && json.Unmarshal(data, &whale) == nil:
		fmt.Printf("Tx Hash:      %s\n", whale.TxHash)
		fmt.Printf("Block:        %d\n", whale.BlockNumber)
		fmt.Printf("Value:        %s ETH\n", whale.ValueETH)
		if whale.ValueUSD != "" {
			fmt.Printf("Value USD:    %s\n", whale.ValueUSD)
		}
		fmt.Printf("Priority:     %s\n", whale.Priority)
		fmt.Printf("Exchange:     %t\n", whale.ExchangeInvolved)
		fmt.Printf("From:         %s\n", whale.FromAddress)
		fmt.Printf("To:           %s\n", whale.ToAddress)
	case json.Unmarshal(data, &alert) == nil:
		fmt.Printf("Alert ID:     %d\n", alert.AlertID)
		fmt.Printf("Title:        %s\n", alert.Title)
		fmt.Printf("Status:       %s\n", alert.Status)
		fmt.Printf("Retries:      %d\n", alert.RetryCount)
		if alert.ErrorMessage != "" {
			fmt.Printf("Error:        %s\n", alert.ErrorMessage)
		}
	default:
		fmt.Println(string(data))
	}
	fmt.Printf("\n")
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the WHALEWATCH JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(info)
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
