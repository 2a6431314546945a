package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"metricsink/export"
	"metricsink/storage"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write stored snapshots to a Parquet file",
	Example: `  metricsink export --out ./exports/lab-01.parquet --device-id lab-01
  metricsink export --out ./exports/recent.parquet --since 1700000000 --limit 5000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer log.Close()

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return fmt.Errorf("--out is required")
		}
		f := storage.Filter{}
		f.DeviceID, _ = cmd.Flags().GetString("device-id")
		f.Source, _ = cmd.Flags().GetString("source")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if f.Limit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}
		if cmd.Flags().Changed("since") {
			since, _ := cmd.Flags().GetFloat64("since")
			f.Since = &since
		}

		store, err := openStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := export.WriteParquet(cmd.Context(), store, f, out, log.Component("export"))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows from %d messages to %s\n", st.Rows, st.Messages, out)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "", "destination .parquet file")
	exportCmd.Flags().String("device-id", "", "only this device")
	exportCmd.Flags().String("source", "", "only this source")
	exportCmd.Flags().Float64("since", 0, "only snapshots collected at or after this unix time")
	exportCmd.Flags().Int("limit", 10000, "maximum number of messages, newest first")
	rootCmd.AddCommand(exportCmd)
}
