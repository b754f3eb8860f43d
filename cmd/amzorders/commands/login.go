package commands

import (
	"os"

	"amzorders/lib/cliutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Logs in with the configured credentials and stores the session.",
	Run: func(cmd *cobra.Command, args []string) {
		clients := setupClients(cmd.Context())
		defer clients.store.Close()

		session, err := clients.core.Authenticate(cmd.Context())
		if err != nil {
			cliutil.Fatal("login failed", err)
		}
		clients.persistSession(cmd.Context())

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Customer", "Authenticated At", "Cookies"})
		t.AppendRow(table.Row{
			session.CustomerID,
			session.AuthenticatedAt.Format("2006-01-02 15:04:05"),
			len(session.Cookies),
		})
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
