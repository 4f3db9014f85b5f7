package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/lmsrmarket/internal/app"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

func newMarketsCommand(env *cmdEnv) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "markets",
		Short: "List markets in the store",
		Long:  "Print every market persisted in the configured store with its state, liquidity and current prices.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := env.loadConfig()
			if err != nil {
				return err
			}
			stores, closeStores, err := app.OpenStores(cmd.Context(), cfg, false)
			if err != nil {
				return fmt.Errorf("markets: %w", err)
			}
			defer closeStores()

			markets, err := stores.Ledger.LoadMarkets(cmd.Context())
			if err != nil {
				return fmt.Errorf("markets: %w", err)
			}
			if status != "" {
				markets = filterByStatus(markets, domain.MarketStatus(status))
			}
			return renderMarkets(cmd, markets)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show markets in this state")
	return cmd
}

func filterByStatus(markets []domain.Market, status domain.MarketStatus) []domain.Market {
	out := markets[:0]
	for _, m := range markets {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out
}

func renderMarkets(cmd *cobra.Command, markets []domain.Market) error {
	if len(markets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no markets")
		return nil
	}
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("ID", "Question", "Prices", "Status", "B", "Pool", "Volume", "Trades", "Ends")
	for i := range markets {
		m := &markets[i]
		if err := table.Append(
			strconv.FormatUint(m.ID, 10),
			truncate(m.Question, 40),
			priceLabel(m),
			string(m.Status),
			wad.Format(&m.B),
			wad.Format(&m.Pool),
			wad.Format(&m.Volume),
			strconv.FormatUint(m.TradeCount, 10),
			m.EndTime.UTC().Format(time.RFC3339),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

// priceLabel renders prices as "Yes 0.6225 / No 0.3775".
func priceLabel(m *domain.Market) string {
	prices, err := lmsr.Prices(m.Q, &m.B)
	if err != nil {
		return "n/a"
	}
	parts := make([]string, len(prices))
	for i := range prices {
		parts[i] = m.Outcomes[i] + " " + round4(&prices[i])
	}
	return strings.Join(parts, " / ")
}
