package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"broker-gateway/internal/gateway"
	"broker-gateway/internal/models"
	"broker-gateway/pkg/utils"
)

// addTradingCommands adds order and market data commands. They run the same
// dispatcher the HTTP API uses, so read-only mode and audit apply.
func addTradingCommands(rootCmd *cobra.Command, app *App) {
	cmds := []*cobra.Command{
		newQuoteCmd(app),
		newOrdersCmd(app),
		newPositionsCmd(app),
		newPlaceCmd(app, models.OrderSideBuy),
		newPlaceCmd(app, models.OrderSideSell),
		newCancelCmd(app),
	}
	for _, c := range cmds {
		c.Flags().String("user", "", "gateway user ID")
		c.Flags().String("broker", "", "broker to use (default: the user's only configured broker)")
		rootCmd.AddCommand(c)
	}
}

// execute resolves the broker, makes sure its symbol index is available when
// the command needs one, and runs cmd.
func (app *App) execute(cmd *cobra.Command, gc gateway.Command, fn func(*gateway.Result) error) error {
	user, err := userFlag(cmd)
	if err != nil {
		return err
	}
	if raw, _ := cmd.Flags().GetString("broker"); raw != "" {
		if gc.Broker, err = brokerArg(raw); err != nil {
			return err
		}
	}
	return app.withServices(cmd, func(ctx context.Context, svc *Services) error {
		id, err := svc.Gateway.ResolveBroker(ctx, user, gc.Broker)
		if err != nil {
			return err
		}
		gc.Broker = id
		switch gc.Kind {
		case gateway.CmdPlaceOrder, gateway.CmdModifyOrder, gateway.CmdQuote:
			if err := ensureIndex(ctx, svc, id); err != nil {
				return err
			}
		}
		res, err := svc.Gateway.Execute(ctx, user, gc)
		if err != nil {
			return err
		}
		return fn(res)
	})
}

func newQuoteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "quote <symbol>",
		Short: "Get a quote",
		Long: `Get the latest quote for a canonical symbol.

Examples:
  gateway quote SBIN --user alice
  gateway quote NSE:RELIANCE --user alice --broker fyers`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol := strings.ToUpper(args[0])
			return app.execute(cmd, gateway.Command{Kind: gateway.CmdQuote, Symbol: symbol}, func(res *gateway.Result) error {
				if output.IsJSON() {
					return output.JSON(res)
				}
				q := res.Quote
				change := q.LastPrice - q.OHLC.Close
				var pct float64
				if q.OHLC.Close > 0 {
					pct = change / q.OHLC.Close * 100
				}
				output.Box(fmt.Sprintf("%s:%s via %s", q.Exchange, q.Symbol, res.Broker), []string{
					fmt.Sprintf("LTP     %s  %s (%s)", utils.FormatIndianCurrency(q.LastPrice), output.FormatPnL(change), utils.FormatPercent(pct)),
					fmt.Sprintf("Open    %s", utils.FormatIndianCurrency(q.OHLC.Open)),
					fmt.Sprintf("High    %s", utils.FormatIndianCurrency(q.OHLC.High)),
					fmt.Sprintf("Low     %s", utils.FormatIndianCurrency(q.OHLC.Low)),
					fmt.Sprintf("Close   %s", utils.FormatIndianCurrency(q.OHLC.Close)),
					fmt.Sprintf("Volume  %s", utils.FormatQuantity(q.Volume)),
					fmt.Sprintf("Value   ~%s", utils.FormatCompact(q.LastPrice*float64(q.Volume))),
				})
				return nil
			})
		},
	}
}

func newOrdersCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "orders",
		Short: "Show today's order book",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.execute(cmd, gateway.Command{Kind: gateway.CmdOrderBook}, func(res *gateway.Result) error {
				if output.IsJSON() {
					return output.JSON(res)
				}
				if len(res.Orders) == 0 {
					output.Dim("No orders today on %s", res.Broker)
					return nil
				}
				table := NewTable(output, "ORDER ID", "SYMBOL", "SIDE", "TYPE", "QTY", "FILLED", "PRICE", "STATUS")
				for _, o := range res.Orders {
					table.AddRow(
						o.ID,
						string(o.Exchange)+":"+o.Symbol,
						string(o.Side),
						string(o.Type),
						strconv.Itoa(o.Quantity),
						strconv.Itoa(o.FilledQty),
						utils.FormatIndianCurrency(o.Price),
						output.OrderStatus(o.Status),
					)
				}
				table.Render()
				return nil
			})
		},
	}
}

func newPositionsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show open positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.execute(cmd, gateway.Command{Kind: gateway.CmdPositions}, func(res *gateway.Result) error {
				if output.IsJSON() {
					return output.JSON(res)
				}
				if len(res.Positions) == 0 {
					output.Dim("No open positions on %s", res.Broker)
					return nil
				}
				table := NewTable(output, "SYMBOL", "PRODUCT", "QTY", "AVG", "LTP", "P&L")
				var total float64
				for _, p := range res.Positions {
					total += p.PnL
					table.AddRow(
						string(p.Exchange)+":"+p.Symbol,
						string(p.Product),
						strconv.Itoa(p.Quantity),
						utils.FormatIndianCurrency(p.AveragePrice),
						utils.FormatIndianCurrency(p.LastPrice),
						output.FormatPnL(p.PnL),
					)
				}
				table.Render()
				output.Println()
				output.Printf("Total P&L: %s\n", output.FormatPnL(total))
				return nil
			})
		},
	}
}

func newPlaceCmd(app *App, side models.OrderSide) *cobra.Command {
	name := strings.ToLower(string(side))
	cmd := &cobra.Command{
		Use:   name + " <symbol> <qty>",
		Short: fmt.Sprintf("Place a %s order", name),
		Long: fmt.Sprintf(`Place a %s order. A --price makes it a LIMIT order; --trigger adds a
stop trigger.

Examples:
  gateway %s SBIN 10 --user alice
  gateway %s NSE:INFY 5 --price 1500 --product DELIVERY --user alice`, name, name, name),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity %q", args[1])
			}
			price, _ := cmd.Flags().GetFloat64("price")
			trigger, _ := cmd.Flags().GetFloat64("trigger")
			product, _ := cmd.Flags().GetString("product")

			order := models.Order{
				Symbol:       strings.ToUpper(args[0]),
				Side:         side,
				Type:         orderTypeFor(price, trigger),
				Product:      models.ProductType(strings.ToUpper(product)),
				Quantity:     qty,
				Price:        price,
				TriggerPrice: trigger,
			}
			if err := gateway.NormalizeOrder(&order); err != nil {
				return err
			}
			return app.execute(cmd, gateway.Command{Kind: gateway.CmdPlaceOrder, Order: order}, func(res *gateway.Result) error {
				if output.IsJSON() {
					return output.JSON(res)
				}
				output.Success("✓ %s %d %s:%s placed on %s", side, qty, order.Exchange, order.Symbol, res.Broker)
				output.Printf("  Order ID: %s\n", res.Order.OrderID)
				return nil
			})
		},
	}
	cmd.Flags().Float64("price", 0, "limit price")
	cmd.Flags().Float64("trigger", 0, "stop trigger price")
	cmd.Flags().String("product", string(models.ProductIntraday), "INTRADAY, DELIVERY or CARRYFORWARD")
	return cmd
}

func orderTypeFor(price, trigger float64) models.OrderType {
	switch {
	case trigger > 0 && price > 0:
		return models.OrderTypeStopLimit
	case trigger > 0:
		return models.OrderTypeStop
	case price > 0:
		return models.OrderTypeLimit
	}
	return models.OrderTypeMarket
}

func newCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an open order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.execute(cmd, gateway.Command{Kind: gateway.CmdCancelOrder, OrderID: args[0]}, func(res *gateway.Result) error {
				if output.IsJSON() {
					return output.JSON(res)
				}
				output.Success("✓ Cancel requested for %s on %s", args[0], res.Broker)
				return nil
			})
		},
	}
}
