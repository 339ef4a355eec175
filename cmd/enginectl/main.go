// Command enginectl prints markets, pools, positions and pending orders
// from the configured store.
//
// Usage:
//
//	enginectl [-config path] markets|pools|positions|orders [account]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	limit := flag.Int("limit", 100, "max rows")
	flag.Parse()

	if err := run(*configPath, *limit, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "enginectl:", err)
		os.Exit(1)
	}
}

func run(configPath string, limit int, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("missing command (markets, pools, positions, orders)")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Log.Level = "warn"
	config.SetupLogger(cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, closeStore, err := config.OpenStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	ex := exchange.New(st, oracle.NewAdapter(), exchange.NewClock(0, time.Now))
	account := ""
	if len(args) > 1 {
		account = args[1]
	}
	return report(ctx, ex, args[0], account, limit, out)
}

func report(ctx context.Context, ex *exchange.Exchange, cmd, account string, limit int, out io.Writer) error {
	switch cmd {
	case "markets":
		markets, err := ex.Markets(ctx)
		if err != nil {
			return err
		}
		printMarkets(out, markets)
	case "pools":
		markets, err := ex.Markets(ctx)
		if err != nil {
			return err
		}
		pools := make([]poolRow, 0, len(markets))
		for _, m := range markets {
			p, err := ex.Pool(ctx, m.MarketToken)
			if err != nil {
				return err
			}
			pools = append(pools, poolRow{Market: m, State: p})
		}
		printPools(out, pools)
	case "positions":
		var (
			positions []model.Position
			err       error
		)
		if account != "" {
			positions, err = ex.AccountPositions(ctx, account, 0, limit)
		} else {
			positions, err = ex.Positions(ctx, 0, limit)
		}
		if err != nil {
			return err
		}
		printPositions(out, positions)
	case "orders":
		var (
			orders []model.Order
			err    error
		)
		if account != "" {
			orders, err = ex.AccountOrders(ctx, account, 0, limit)
		} else {
			orders, err = ex.Orders(ctx, 0, limit)
		}
		if err != nil {
			return err
		}
		printOrders(out, orders)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
