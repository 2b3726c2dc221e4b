package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/cobra"

	"github.com/karasz/chainlog"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit log as size-delimited protobuf",
	Long: `Write every record to a protobuf stream that "chainlog verify --input" can check.

Example:
  chainlog export --out audit.pb
`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output file (required)")
	_ = exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}

func runExport(c *cobra.Command, args []string) (err error) {
	logger, _, diag, err := openLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	f, err := os.OpenFile(exportOut, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	n, err := chainlog.ExportProto(f, logger.Store())
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	log.NewHelper(diag).Infow("msg", "export written", "records", n, "path", exportOut)
	fmt.Fprintf(c.OutOrStdout(), "exported %d records to %s\n", n, exportOut)
	return nil
}
