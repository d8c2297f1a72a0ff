package cli

import (
	"encoding/json"
	"fmt"

	wiring "github.com/ashureev/mqol-labs/internal/app"
	"github.com/ashureev/mqol-labs/internal/questionbank"
	"github.com/ashureev/mqol-labs/internal/store"
	"github.com/spf13/cobra"
)

func (app *App) newReportCommand() *cobra.Command {
	var version int
	var asJSON bool

	reportCmd := &cobra.Command{
		Use:   "report <session-id>",
		Short: "Render a stored report",
		Long:  `Render the latest report of a session, or a specific version with --version.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if version < 0 {
				return fmt.Errorf("version must be positive")
			}
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			repo, err := store.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.Path, cfg.DB.URL)
			if err != nil {
				return err
			}
			defer repo.Close()

			rv, err := repo.GetReport(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			if rv == nil {
				return fmt.Errorf("no report for session %s", args[0])
			}
			if asJSON {
				enc := json.NewEncoder(app.Out)
				enc.SetIndent("", "  ")
				return enc.Encode(rv)
			}
			writeReport(app.Out, newRenderer(), rv)
			return nil
		},
	}
	reportCmd.Flags().IntVar(&version, "version", 0, "Report version (default: latest)")
	reportCmd.Flags().BoolVar(&asJSON, "json", false, "Print the stored JSON instead of rendering it")
	return reportCmd
}

func (app *App) newBankCommand() *cobra.Command {
	bankCmd := &cobra.Command{
		Use:   "bank",
		Short: "Question bank tools",
	}
	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a question bank",
		Long:  `Load a CSV or YAML question bank (a doublestar glob is allowed) and report its shape.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			b, err := questionbank.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "%s: %s", b.Source, b.Name)
			if b.Version != "" {
				fmt.Fprintf(app.Out, " v%s", b.Version)
			}
			fmt.Fprintf(app.Out, ", %d dimensions, %d items\n", len(b.Dimensions), b.ItemCount())
			for _, d := range b.Dimensions {
				fmt.Fprintf(app.Out, "  %-12s %s (%d)\n", d.Key, d.Name, len(d.Items))
			}
			return nil
		},
	}
	bankCmd.AddCommand(validateCmd)
	return bankCmd
}

func (app *App) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(app.Out, "mqol %s\n", wiring.Version)
		},
	}
}
