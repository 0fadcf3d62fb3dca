// Command marketctl is the operator CLI: it runs migrations, inspects markets
// and accounts, and performs admin credits, resolutions and expiry sweeps
// against the configured store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-ledger/internal/app"
	"github.com/atmx/prediction-ledger/internal/config"
	"github.com/atmx/prediction-ledger/internal/model"
	"github.com/atmx/prediction-ledger/internal/store"
	"github.com/atmx/prediction-ledger/internal/sweeper"
)

const usage = `usage: marketctl [-config file] <command> [args]

commands:
  migrate                     apply pending schema migrations
  markets [-status s]         list markets (open, overdue, resolved, all)
  history <market-id>         show a market's journal
  accounts <account-id>       show balance, holdings, tier and journal
  leaderboard [-limit n]      rank participants
  credit <account-id> <amt>   grant currency to an account
  resolve <market-id> <1|2>   settle a market
  sweep                       expire overdue markets once
`

func main() {
	configPath := flag.String("config", os.Getenv("PLEDGER_CONFIG"), "path to TOML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "marketctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, args []string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Log.Level = "warn"
	if err := cfg.Validate(); err != nil {
		return err
	}
	// Commands apply migrations explicitly.
	cfg.Store.RunMigrations = args[0] == "migrate"

	core, err := app.New(ctx, cfg, config.NewLogger(cfg.Log))
	if err != nil {
		return err
	}
	defer core.Close()

	// Deliver notifications raised by resolve and sweep before exiting.
	busCtx, cancelBus := context.WithCancel(ctx)
	busDone := make(chan struct{})
	go func() {
		defer close(busDone)
		core.Bus.Run(busCtx)
	}()
	defer func() {
		cancelBus()
		<-busDone
	}()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		fmt.Fprintf(out, "migrations up to date (%s)\n", cfg.Store.Driver)
		return nil
	case "markets":
		return listMarkets(ctx, core, rest, out)
	case "history":
		return marketHistory(ctx, core, rest, out)
	case "accounts":
		return showAccount(ctx, core, rest, out)
	case "leaderboard":
		return leaderboard(ctx, core, rest, out)
	case "credit":
		return credit(ctx, core, rest, out)
	case "resolve":
		return resolve(ctx, core, rest, out)
	case "sweep":
		sw := sweeper.New(core.Settlement, core.Store, core.Bus, cfg.Sweeper.Interval.Duration, nil)
		expired := sw.Tick(ctx)
		fmt.Fprintf(out, "expired %d market(s)\n", len(expired))
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func listMarkets(ctx context.Context, core *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("markets", flag.ContinueOnError)
	status := fs.String("status", "open", "open, overdue, resolved or all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	markets, err := core.Markets.List(ctx, store.MarketFilter{Status: store.MarketStatus(*status)})
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Question", "Option 1", "Option 2", "Deadline", "Status")
	for _, m := range markets {
		state := "open"
		switch {
		case m.Resolved && m.WinningOption != nil:
			state = "won: " + m.Label(*m.WinningOption)
		case m.Resolved:
			state = "expired"
		case !m.OpenAt(time.Now()):
			state = "overdue"
		}
		table.Append(
			strconv.FormatInt(m.ID, 10),
			truncate(m.Text, 48),
			fmt.Sprintf("%s @ %s", m.Label1, m.Price1.StringFixed(2)),
			fmt.Sprintf("%s @ %s", m.Label2, m.Price2.StringFixed(2)),
			m.Deadline.Format(time.RFC3339),
			state,
		)
	}
	table.Render()
	return nil
}

func marketHistory(ctx context.Context, core *app.App, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: history <market-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("market id: %w", err)
	}
	entries, err := core.Markets.History(ctx, id)
	if err != nil {
		return err
	}
	printEntries(out, entries)
	return nil
}

func showAccount(ctx context.Context, core *app.App, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: accounts <account-id>")
	}
	st, err := core.Ledger.BalanceOf(ctx, args[0])
	if err != nil {
		return err
	}
	a := st.Account
	fmt.Fprintf(out, "%s  balance %s  tier %s  correct %d\n", a.ID, a.Balance.String(), st.Tier, a.CorrectPredictions)
	if !st.Known {
		fmt.Fprintln(out, "(not yet seen; starting balance shown)")
	}

	table := tablewriter.NewWriter(out)
	table.Header("Market", "Option", "Quantity")
	for mid, pos := range a.Holdings {
		for opt, qty := range pos {
			table.Append(strconv.FormatInt(mid, 10), strconv.Itoa(int(opt)), qty.String())
		}
	}
	table.Render()

	entries, err := core.Ledger.AccountHistory(ctx, a.ID)
	if err != nil {
		return err
	}
	printEntries(out, entries)
	return nil
}

func leaderboard(ctx context.Context, core *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("leaderboard", flag.ContinueOnError)
	limit := fs.Int("limit", 10, "number of rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	board, err := core.Ledger.Leaderboard(ctx, *limit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("#", "Account", "Correct", "Balance", "Tier")
	for _, s := range board {
		table.Append(
			strconv.Itoa(s.Position),
			s.AccountID,
			strconv.Itoa(s.CorrectPredictions),
			s.Balance.StringFixed(2),
			s.Tier,
		)
	}
	table.Render()
	return nil
}

func credit(ctx context.Context, core *app.App, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: credit <account-id> <amount>")
	}
	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	a, err := core.Ledger.CreditAdmin(ctx, args[0], amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "credited %s to %s, balance now %s\n", amount.String(), a.ID, a.Balance.String())
	return nil
}

func resolve(ctx context.Context, core *app.App, args []string, out io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: resolve <market-id> <1|2>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("market id: %w", err)
	}
	opt, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("winning option: %w", err)
	}
	summary, err := core.Settlement.Resolve(ctx, id, model.Option(opt))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "market %d resolved, final price %s, paid %s\n",
		summary.MarketID, summary.FinalPrice.String(), summary.TotalPaid.String())
	table := tablewriter.NewWriter(out)
	table.Header("Account", "Shares", "Payout", "Tier")
	for _, p := range summary.Payouts {
		tier := p.NewTier
		if p.TierChanged() {
			tier = p.OldTier + " -> " + p.NewTier
		}
		table.Append(p.AccountID, p.Quantity.String(), p.Amount.String(), tier)
	}
	table.Render()
	return nil
}

func printEntries(out io.Writer, entries []model.LedgerEntry) {
	table := tablewriter.NewWriter(out)
	table.Header("Time", "Account", "Market", "Kind", "Option", "Qty", "Price", "Amount", "Balance")
	for _, e := range entries {
		table.Append(
			e.Timestamp.Format(time.RFC3339),
			e.AccountID,
			strconv.FormatInt(e.MarketID, 10),
			string(e.Kind),
			strconv.Itoa(int(e.Option)),
			e.Quantity.String(),
			e.Price.String(),
			e.Amount.String(),
			e.BalanceAfter.String(),
		)
	}
	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
