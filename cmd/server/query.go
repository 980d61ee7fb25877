package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/nicktill/vitals/pkg/export"
	"github.com/nicktill/vitals/pkg/query"
	"github.com/nicktill/vitals/pkg/server"
)

var (
	flagQuerySource string
	flagQueryUnit   string
	flagQueryFrom   string
	flagQueryTo     string
	flagQueryFormat string
)

func init() {
	queryCmd.Flags().StringVarP(&flagQuerySource, "source", "s", "", "device source (default ALL)")
	queryCmd.Flags().StringVarP(&flagQueryUnit, "unit", "u", "", "bucket unit: day|week|month (default day)")
	queryCmd.Flags().StringVar(&flagQueryFrom, "from", "", "first date, YYYY-MM-DD")
	queryCmd.Flags().StringVar(&flagQueryTo, "to", "", "last date, YYYY-MM-DD")
	queryCmd.Flags().StringVarP(&flagQueryFormat, "format", "f", "json", "output format: json|csv")
	rootCmd.AddCommand(queryCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query <metric-type>",
	Short: "Print summaries for one metric",
	Long: `Read summaries the way a dashboard does: from the cache, computing
on demand when a series has not been materialized.

Examples:
  vitals query StepCount --from 2024-01-01 --to 2024-01-31
  vitals query HeartRate -s "Apple Watch" -u week -f csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := url.Values{}
		v.Set("metric", args[0])
		v.Set("source", flagQuerySource)
		v.Set("unit", flagQueryUnit)
		v.Set("from", flagQueryFrom)
		v.Set("to", flagQueryTo)
		req, err := query.ParseRequest(v)
		if err != nil {
			return err
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		stack, err := server.NewStack(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer stack.Close()

		opts := export.ExportOptions{
			MetricType: req.MetricType,
			Source:     req.Source,
			Unit:       req.Unit,
			From:       req.From,
			To:         req.To,
		}
		exporter := export.NewExporter(stack.Query)
		switch flagQueryFormat {
		case "json":
			_, err = exporter.ExportToJSON(cmd.Context(), cmd.OutOrStdout(), opts)
		case "csv":
			_, err = exporter.ExportToCSV(cmd.Context(), cmd.OutOrStdout(), opts)
		default:
			return fmt.Errorf("unknown format %q (want json or csv)", flagQueryFormat)
		}
		return err
	},
}
