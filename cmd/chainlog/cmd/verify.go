package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/karasz/chainlog"
)

var errChainBroken = errors.New("audit chain broken")

var verifyInput string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit chain",
	Long: `Replay the audit chain and report whether it is intact.

With --input, verifies a protobuf export instead of the live log.
Exits non-zero when the chain is broken.

Example:
  chainlog verify
  chainlog verify --input audit.pb
`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyInput, "input", "", "Verify a file written by 'chainlog export'")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(c *cobra.Command, args []string) error {
	var res chainlog.VerifyResult
	if verifyInput != "" {
		logger := newLogger()
		cfg, err := loadConfig(logger)
		if err != nil {
			return err
		}
		f, err := os.Open(verifyInput)
		if err != nil {
			return fmt.Errorf("open export: %w", err)
		}
		records, err := chainlog.ImportProto(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		secret, err := chainlog.LookupSecret(cfg.Dir, chainlog.SecretOptions{
			EnvVar:   cfg.SecretEnv,
			FileName: cfg.SecretFile,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("verify export needs the chain secret: %w", err)
		}
		res = chainlog.VerifyRecords(records, secret.Key)
	} else {
		logger, _, _, err := openLogger()
		if err != nil {
			return err
		}
		defer logger.Close()
		res = logger.Verify()
	}

	fmt.Fprintln(c.OutOrStdout(), res.String())
	if !res.Valid {
		return errChainBroken
	}
	return nil
}
