package commands

import (
	"fmt"
	"os"

	"amzorders/lib/cliutil"
	"amzorders/lib/scrapers/amazon/orders"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var transactionsMaxPages *int

func init() {
	transactionsMaxPages = transactionsCmd.Flags().Int("max-pages", 0, "Stop after this many pages (0 = all).")
	rootCmd.AddCommand(transactionsCmd)
}

var transactionsCmd = &cobra.Command{
	Use:   "transactions [--max-pages <n>]",
	Short: "Lists payment transactions and the orders they paid for.",
	Run: func(cmd *cobra.Command, args []string) {
		clients := setupClients(cmd.Context())
		defer clients.store.Close()
		clients.restoreStoredSession(cmd.Context())

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Date", "Amount", "Order", "Payment Method"})

		it := clients.orders.Transactions(orders.TransactionOptions{
			MaxPages: *transactionsMaxPages,
		})
		for it.Next(cmd.Context()) {
			tx := it.Transaction()
			t.AppendRow(table.Row{
				tx.Date.Format("2006-01-02"),
				fmt.Sprintf("%.2f", tx.Amount),
				tx.OrderID,
				tx.PaymentMethod,
			})
		}
		clients.persistSession(cmd.Context())

		if err := it.Err(); err != nil {
			cliutil.Fatal("failed to walk transactions", err)
		}

		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
