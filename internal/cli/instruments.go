package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"broker-gateway/internal/models"
)

// addInstrumentCommands adds symbol master commands.
func addInstrumentCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:     "instruments",
		Aliases: []string{"inst"},
		Short:   "Symbol master management",
		Long:    "Download, inspect and search the broker symbol masters used to resolve canonical symbols.",
	}
	cmd.AddCommand(newInstrumentsRefreshCmd(app), newInstrumentsLookupCmd(app), newInstrumentsStatsCmd(app))
	rootCmd.AddCommand(cmd)
}

func newInstrumentsRefreshCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [broker]",
		Short: "Download symbol masters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withServices(cmd, func(ctx context.Context, svc *Services) error {
				ids := svc.Registry.IDs()
				if len(args) == 1 {
					id, err := brokerArg(args[0])
					if err != nil {
						return err
					}
					ids = []models.BrokerID{id}
				}

				type result struct {
					Broker      models.BrokerID `json:"broker"`
					Instruments int             `json:"instruments"`
					Error       string          `json:"error,omitempty"`
				}
				var results []result
				var failed int
				for _, id := range ids {
					n, err := svc.Symbols.Load(ctx, id)
					r := result{Broker: id, Instruments: n}
					if err != nil {
						r.Error = err.Error()
						failed++
					}
					results = append(results, r)
				}

				if output.IsJSON() {
					if err := output.JSON(results); err != nil {
						return err
					}
				} else {
					for _, r := range results {
						if r.Error != "" {
							output.Error("✗ %s: %s", r.Broker, r.Error)
							continue
						}
						output.Success("✓ %s: %s instruments", r.Broker, formatCount(r.Instruments))
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d symbol masters failed to load", failed, len(ids))
				}
				return nil
			})
		},
	}
}

func newInstrumentsLookupCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <broker> <prefix>",
		Short: "Search a broker's symbol master",
		Long: `Search a broker's symbol master by symbol prefix. The saved snapshot is
used when present; otherwise the master is downloaded first.

Examples:
  gateway instruments lookup zerodha SBI
  gateway instruments lookup fyers RELI --limit 5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			id, err := brokerArg(args[0])
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			return app.withServices(cmd, func(ctx context.Context, svc *Services) error {
				if err := ensureIndex(ctx, svc, id); err != nil {
					return err
				}
				matches := svc.Symbols.Search(id, args[1], limit)
				if output.IsJSON() {
					return output.JSON(matches)
				}
				if len(matches) == 0 {
					output.Warning("No instruments match %q", args[1])
					return nil
				}
				table := NewTable(output, "SYMBOL", "BROKER SYMBOL", "TOKEN", "STREAM TOKEN", "TYPE", "LOT")
				for _, inst := range matches {
					table.AddRow(
						inst.Key(),
						inst.BrokerSymbol,
						inst.Token,
						inst.StreamToken,
						inst.InstrumentType,
						strconv.Itoa(inst.LotSize),
					)
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "maximum matches")
	return cmd
}

func newInstrumentsStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show saved symbol master snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withServices(cmd, func(ctx context.Context, svc *Services) error {
				svc.Symbols.WarmStart(ctx)
				stats := svc.Symbols.Stats()
				if output.IsJSON() {
					return output.JSON(stats)
				}
				table := NewTable(output, "BROKER", "INSTRUMENTS", "LOADED")
				for _, s := range stats {
					table.AddRow(string(s.Broker), formatCount(s.Instruments), formatTime(s.LoadedAt))
				}
				table.Render()
				return nil
			})
		},
	}
}

// ensureIndex restores id's index from its snapshot, downloading the master
// when no snapshot exists.
func ensureIndex(ctx context.Context, svc *Services, id models.BrokerID) error {
	svc.Symbols.WarmStart(ctx)
	for _, s := range svc.Symbols.Stats() {
		if s.Broker == id && s.Instruments > 0 {
			return nil
		}
	}
	_, err := svc.Symbols.Load(ctx, id)
	return err
}
