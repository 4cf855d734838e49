package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/tradegate"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: tradegate-cli [-addr URL] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                            Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  prepare <broker> [key=value ...]   Log in (user=, password=, ...)\n")
	fmt.Fprintf(os.Stderr, "  balance                            Show the account balance\n")
	fmt.Fprintf(os.Stderr, "  position                           Show holdings\n")
	fmt.Fprintf(os.Stderr, "  auto-ipo                           Subscribe to today's new issues\n")
	fmt.Fprintf(os.Stderr, "  entrusts                           List today's orders\n")
	fmt.Fprintf(os.Stderr, "  trades                             List today's fills\n")
	fmt.Fprintf(os.Stderr, "  cancellable                        List orders that can be cancelled\n")
	fmt.Fprintf(os.Stderr, "  buy <security> <price> <amount>    Submit a limit buy\n")
	fmt.Fprintf(os.Stderr, "  sell <security> <price> <amount>   Submit a limit sell\n")
	fmt.Fprintf(os.Stderr, "  cancel <entrust_no>                Cancel an order\n")
	fmt.Fprintf(os.Stderr, "  exit                               Log out\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	defaultAddr := "http://127.0.0.1:1430"
	if v := os.Getenv("TRADEGATE_ADDR"); v != "" {
		defaultAddr = v
	}
	addr := flag.String("addr", defaultAddr, "gateway base URL (env TRADEGATE_ADDR)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	if args[0] == "version" {
		fmt.Printf("tradegate-cli %s\n", version)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := run(ctx, tradegate.NewClient(*addr), args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *tradegate.Client, cmd string, args []string) error {
	switch cmd {
	case "prepare":
		if len(args) < 1 {
			return fmt.Errorf("usage: prepare <broker> [key=value ...]")
		}
		fields := make(map[string]any)
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("expected key=value, got %q", kv)
			}
			fields[k] = v
		}
		if err := c.Prepare(ctx, args[0], fields); err != nil {
			return err
		}
		fmt.Println("login success")

	case "balance":
		return printData(c.Balance(ctx))
	case "position":
		return printData(c.Position(ctx))
	case "auto-ipo":
		return printData(c.AutoIPO(ctx))
	case "entrusts":
		return printData(c.TodayEntrusts(ctx))
	case "trades":
		return printData(c.TodayTrades(ctx))
	case "cancellable":
		return printData(c.CancelEntrusts(ctx))

	case "buy", "sell":
		if len(args) != 3 {
			return fmt.Errorf("usage: %s <security> <price> <amount>", cmd)
		}
		price, err := decimal.NewFromString(args[1])
		if err != nil {
			return fmt.Errorf("price: %w", err)
		}
		amount, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		submit := c.Buy
		if cmd == "sell" {
			submit = c.Sell
		}
		res, err := submit(ctx, args[0], price, amount)
		if err != nil {
			return err
		}
		fmt.Printf("order submitted: %s\n", res.ID)

	case "cancel":
		if len(args) != 1 {
			return fmt.Errorf("usage: cancel <entrust_no>")
		}
		return printData(c.CancelEntrust(ctx, args[0]))

	case "exit":
		if err := c.Exit(ctx); err != nil {
			return err
		}
		fmt.Println("exit success")

	default:
		usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

func printData(data json.RawMessage, err error) error {
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
