package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

type quoteFlags struct {
	b        string
	q        string
	outcomes int
	outcome  int
	shares   string
	budget   string
	sell     bool
	feeBps   uint32
}

func newQuoteCommand(_ *cmdEnv) *cobra.Command {
	var f quoteFlags
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a trade offline",
		Long: `Price a buy or sell against an LMSR curve without touching a store.
The quantity vector defaults to all zeros, which is a freshly created market.`,
		Example: `  lmsrd quote --b 100 --outcome 0 --shares 10
  lmsrd quote --b 100 --q 40,0,0 --outcome 1 --budget 25 --fee-bps 50`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuote(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.b, "b", "", "liquidity parameter")
	fl.StringVar(&f.q, "q", "", "comma separated outstanding shares per outcome")
	fl.IntVar(&f.outcomes, "outcomes", 2, "number of outcomes when --q is not given")
	fl.IntVar(&f.outcome, "outcome", 0, "outcome index to trade")
	fl.StringVar(&f.shares, "shares", "", "shares to buy or sell")
	fl.StringVar(&f.budget, "budget", "", "spend at most this much (buy only)")
	fl.BoolVar(&f.sell, "sell", false, "quote a sell instead of a buy")
	fl.Uint32Var(&f.feeBps, "fee-bps", 100, "fee in basis points")
	_ = cmd.MarkFlagRequired("b")
	cmd.MarkFlagsMutuallyExclusive("shares", "budget")
	cmd.MarkFlagsOneRequired("shares", "budget")
	return cmd
}

func runQuote(cmd *cobra.Command, f quoteFlags) error {
	if f.feeBps > 10_000 {
		return fmt.Errorf("fee-bps %d exceeds 10000", f.feeBps)
	}
	b, err := wad.Parse(f.b)
	if err != nil {
		return err
	}
	q, err := parseQuantities(f.q, f.outcomes)
	if err != nil {
		return err
	}

	var (
		shares *uint256.Int
		tc     lmsr.TradeCost
	)
	switch {
	case f.budget != "":
		if f.sell {
			return errors.New("--budget only applies to buys")
		}
		budget, err := wad.Parse(f.budget)
		if err != nil {
			return err
		}
		if shares, tc, err = lmsr.MaxSharesForBudget(q, b, f.outcome, budget, f.feeBps); err != nil {
			return err
		}
	default:
		if shares, err = wad.Parse(f.shares); err != nil {
			return err
		}
		if f.sell {
			tc, err = lmsr.QuoteSell(q, b, f.outcome, shares, f.feeBps)
		} else {
			tc, err = lmsr.QuoteBuy(q, b, f.outcome, shares, f.feeBps)
		}
		if err != nil {
			return err
		}
	}

	after := wad.Clone(q)
	if f.sell {
		after[f.outcome].Sub(&after[f.outcome], shares)
	} else {
		after[f.outcome].Add(&after[f.outcome], shares)
	}
	before, err := lmsr.Prices(q, b)
	if err != nil {
		return err
	}
	moved, err := lmsr.Prices(after, b)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	prices := tablewriter.NewWriter(out)
	prices.Header("Outcome", "Shares Before", "Price Before", "Price After")
	for i := range q {
		if err := prices.Append(
			strconv.Itoa(i), wad.Format(&q[i]), round4(&before[i]), round4(&moved[i]),
		); err != nil {
			return err
		}
	}
	if err := prices.Render(); err != nil {
		return err
	}

	// A buyer pays base plus fee; a seller receives base minus fee.
	var total *uint256.Int
	if f.sell {
		total, err = wad.Sub(&tc.Base, &tc.Fee)
	} else {
		total, err = tc.Total()
	}
	if err != nil {
		return err
	}
	side, totalLabel := "buy", "Total Cost"
	if f.sell {
		side, totalLabel = "sell", "Proceeds"
	}
	summary := tablewriter.NewWriter(out)
	summary.Header("Side", "Outcome", "Shares", "Base", "Fee", totalLabel)
	if err := summary.Append(
		side, strconv.Itoa(f.outcome), wad.Format(shares),
		wad.Format(&tc.Base), wad.Format(&tc.Fee), wad.Format(total),
	); err != nil {
		return err
	}
	return summary.Render()
}

// parseQuantities reads "10,0,2.5" into a WAD vector. An empty string
// yields n zeros.
func parseQuantities(s string, n int) ([]uint256.Int, error) {
	if strings.TrimSpace(s) == "" {
		if n < 2 {
			return nil, lmsr.ErrTooFewOutcomes
		}
		return make([]uint256.Int, n), nil
	}
	fields := strings.Split(s, ",")
	if len(fields) < 2 {
		return nil, lmsr.ErrTooFewOutcomes
	}
	q := make([]uint256.Int, len(fields))
	for i, f := range fields {
		v, err := wad.Parse(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("q[%d]: %w", i, err)
		}
		q[i] = *v
	}
	return q, nil
}

func round4(x *uint256.Int) string {
	return decimal.NewFromBigInt(x.ToBig(), -wad.Decimals).StringFixed(4)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
