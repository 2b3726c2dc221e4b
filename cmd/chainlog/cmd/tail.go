package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var tailCount int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the last records",
	RunE:  runTail,
}

func init() {
	tailCmd.Flags().IntVarP(&tailCount, "lines", "n", 10, "Number of records to print")
	rootCmd.AddCommand(tailCmd)
}

func runTail(c *cobra.Command, args []string) error {
	logger, _, _, err := openLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	records, err := logger.Last(tailCount)
	if err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	enc := json.NewEncoder(c.OutOrStdout())
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
