package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

type example struct {
	title    string
	commands []string
}

var workflowExamples = []example{
	{
		title: "First Run",
		commands: []string{
			"gateway config init                        # Write config.toml",
			"export GATEWAY_MASTER_KEY=...              # Encrypts stored credentials",
			"export GATEWAY_JWT_SECRET=...              # Signs API bearer tokens",
			"gateway config validate",
		},
	},
	{
		title: "Connect Zerodha",
		commands: []string{
			"gateway creds set zerodha --user alice --api-key KEY --api-secret SECRET",
			"gateway login zerodha --user alice         # Prints the Kite login URL",
			"gateway login zerodha --user alice --code REQUEST_TOKEN",
		},
	},
	{
		title: "Connect Angel One",
		commands: []string{
			"gateway creds set angelone --user alice --api-key KEY --client-code A123 --totp-secret BASE32",
			"gateway login angelone --user alice --pin 1234  # TOTP generated from the stored secret",
		},
	},
	{
		title: "Trade From The Terminal",
		commands: []string{
			"gateway instruments refresh                # Download symbol masters",
			"gateway quote SBIN --user alice",
			"gateway buy SBIN 10 --price 800 --user alice",
			"gateway orders --user alice",
			"gateway positions --user alice",
		},
	},
	{
		title: "Serve The API",
		commands: []string{
			"gateway serve                              # Listens on server.addr",
			"TOKEN=$(gateway token --user alice)",
			"curl -H \"Authorization: Bearer $TOKEN\" localhost:8080/api/v1/positions",
			"curl -N -H \"Authorization: Bearer $TOKEN\" 'localhost:8080/api/v1/stream?symbols=SBIN,INFY&interval=1m'",
		},
	},
}

func newExamplesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "examples",
		Short:       "Show common workflow examples",
		Annotations: map[string]string{noConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				out := make(map[string][]string, len(workflowExamples))
				for _, ex := range workflowExamples {
					out[ex.title] = ex.commands
				}
				return output.JSON(out)
			}

			output.Bold("Common Workflow Examples")
			output.Println()
			for _, ex := range workflowExamples {
				output.Bold(ex.title)
				for _, c := range ex.commands {
					command, comment, found := strings.Cut(c, "#")
					if found {
						output.Printf("  %s %s\n", output.Cyan(strings.TrimSpace(command)), output.DimText(strings.TrimSpace(comment)))
					} else {
						output.Printf("  %s\n", output.Cyan(c))
					}
				}
				output.Println()
			}
			return nil
		},
	}
}

func newQuickstartCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "quickstart",
		Short:       "New user guide",
		Annotations: map[string]string{noConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			output.Bold("Broker Gateway - Quick Start")
			output.Println()

			steps := []struct {
				title string
				desc  string
				cmd   string
			}{
				{"Create the configuration", "Writes config.toml with every broker enabled.", "gateway config init"},
				{"Set the secrets", "Put them in the environment or a .env file next to config.toml.", "GATEWAY_MASTER_KEY, GATEWAY_JWT_SECRET"},
				{"Store broker credentials", "Secrets are encrypted with the master key.", "gateway creds set <broker> --user <id> --api-key ..."},
				{"Log in", "Starts a broker session; the gateway renews or expires it per broker.", "gateway login <broker> --user <id>"},
				{"Start the API", "Orders, positions, quotes and live ticks over HTTP.", "gateway serve"},
			}
			for i, s := range steps {
				output.Printf("%s Step %d: %s\n", output.Cyan("→"), i+1, output.BoldText(s.title))
				output.Printf("  %s\n", s.desc)
				output.Printf("  %s\n\n", output.DimText(s.cmd))
			}

			output.Bold("Important Notes")
			output.Println()
			output.Printf("  %s Losing GATEWAY_MASTER_KEY makes stored credentials unreadable\n", output.Yellow("⚠"))
			output.Printf("  %s Set gateway.read_only = true to block order writes\n", output.Yellow("⚠"))
			output.Printf("  %s A write that times out may still have reached the broker; check 'gateway orders'\n", output.Yellow("⚠"))
			return nil
		},
	}
}
