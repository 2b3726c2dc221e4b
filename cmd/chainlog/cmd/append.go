package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var appendDetails string

var appendCmd = &cobra.Command{
	Use:   "append <event>",
	Short: "Append an event to the audit log",
	Long: `Append one event. Details are a JSON object.

Example:
  chainlog append vote --details '{"party":2}'
`,
	Args: cobra.ExactArgs(1),
	RunE: runAppend,
}

func init() {
	appendCmd.Flags().StringVar(&appendDetails, "details", "{}", "Event details as a JSON object")
	rootCmd.AddCommand(appendCmd)
}

func runAppend(c *cobra.Command, args []string) error {
	details, err := parseDetails(appendDetails)
	if err != nil {
		return err
	}

	logger, _, _, err := openLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	rec, err := logger.Append(args[0], details)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return json.NewEncoder(c.OutOrStdout()).Encode(rec)
}

// parseDetails decodes a JSON object keeping numbers as written.
func parseDetails(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var details map[string]any
	if err := dec.Decode(&details); err != nil {
		return nil, fmt.Errorf("invalid --details: %w", err)
	}
	return details, nil
}
