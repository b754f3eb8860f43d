package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"amzorders/lib/cliutil"
	"amzorders/lib/scrapers/amazon/orders"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	ordersYear        *int
	ordersStartIndex  *int
	ordersMaxPages    *int
	ordersFullDetails *bool
)

func init() {
	ordersYear = ordersCmd.Flags().Int("year", 0, "Only list orders placed in this year.")
	ordersStartIndex = ordersCmd.Flags().Int("start-index", 0, "Record offset to resume from.")
	ordersMaxPages = ordersCmd.Flags().Int("max-pages", 0, "Stop after this many pages (0 = all).")
	ordersFullDetails = ordersCmd.Flags().Bool("full-details", false, "Fetch each order's details page as well.")
	rootCmd.AddCommand(ordersCmd)
}

var ordersCmd = &cobra.Command{
	Use:   "orders [--year <yyyy>] [--start-index <n>] [--max-pages <n>] [--full-details]",
	Short: "Lists the orders in your order history.",
	Run: func(cmd *cobra.Command, args []string) {
		clients := setupClients(cmd.Context())
		defer clients.store.Close()
		clients.restoreStoredSession(cmd.Context())

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		header := table.Row{"Order", "Placed", "Total", "Status", "Items"}
		if *ordersFullDetails {
			header = append(header, "Payment")
		}
		t.AppendHeader(header)

		count := 0
		start := time.Now()
		it := clients.orders.History(orders.HistoryOptions{
			Year:        *ordersYear,
			StartIndex:  *ordersStartIndex,
			MaxPages:    *ordersMaxPages,
			FullDetails: *ordersFullDetails,
		})
		for it.Next(cmd.Context()) {
			order := it.Order()
			count++

			id := order.OrderID
			if order.Partial() {
				id += " (partial)"
			}
			row := table.Row{
				id,
				order.Placed.Format("2006-01-02"),
				fmt.Sprintf("%.2f", order.GrandTotal),
				order.DeliveryStatus,
				summarizeItems(order.Items),
			}
			if *ordersFullDetails {
				row = append(row, fmt.Sprintf("%s %s", order.PaymentMethod, order.PaymentMethodLast4))
			}
			t.AppendRow(row)
		}
		clients.persistSession(cmd.Context())

		if err := it.Err(); err != nil {
			var pageErr *orders.PageError
			if errors.As(err, &pageErr) && pageErr.Completed != nil {
				fmt.Fprintf(os.Stderr, "rerun with --start-index %d to resume\n", pageErr.Failed.StartIndex)
			}
			cliutil.Fatal("failed to walk order history", err)
		}

		t.SetStyle(table.StyleRounded)
		t.Render()
		fmt.Printf("%d orders in %.1fs\n", count, time.Since(start).Seconds())
	},
}

func summarizeItems(items []orders.Item) string {
	var titles []string
	for _, item := range items {
		title := item.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		if item.Quantity > 1 {
			title = fmt.Sprintf("%dx %s", item.Quantity, title)
		}
		titles = append(titles, title)
	}
	return strings.Join(titles, "\n")
}
