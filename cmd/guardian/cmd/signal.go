package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/agent-guardian/pkg/models"
)

var (
	signalType       string
	signalWorkload   string
	signalExecution  string
	signalEntryPoint string
	signalContext    string
)

var signalCmd = &cobra.Command{
	Use:   "signal <graph-id> <error>",
	Short: "Report a failure from outside the supervisor",
	Long: `Publishes a failure signal for a graph that does not run under the
supervisor's lifecycle controller. The guardian handles it like any other.

Example:
  guardian signal research "request timeout after 30s" --entry-point main`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSignal,
}

func init() {
	rootCmd.AddCommand(signalCmd)

	signalCmd.Flags().StringVar(&signalType, "type", models.SignalExecutionFailed, "signal type")
	signalCmd.Flags().StringVar(&signalWorkload, "workload", "", "workload id, if different from the graph id")
	signalCmd.Flags().StringVar(&signalExecution, "execution", "", "execution id")
	signalCmd.Flags().StringVar(&signalEntryPoint, "entry-point", "", "entry point the execution started from")
	signalCmd.Flags().StringVar(&signalContext, "context", "", "execution context as a JSON object")
}

func runSignal(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{
		"type":         signalType,
		"graph_id":     args[0],
		"workload_id":  signalWorkload,
		"execution_id": signalExecution,
		"entry_point":  signalEntryPoint,
	}
	if len(args) == 2 {
		req["error"] = args[1]
	}
	if signalContext != "" {
		var snapshot map[string]interface{}
		if err := json.Unmarshal([]byte(signalContext), &snapshot); err != nil {
			return fmt.Errorf("--context must be a JSON object: %w", err)
		}
		req["context"] = snapshot
	}

	var result struct {
		SignalID string `json:"signal_id"`
		Accepted int    `json:"accepted"`
	}
	if err := callAPI("POST", "/signals", req, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}
	fmt.Printf("Signal %s accepted by %d entry point(s)\n", result.SignalID, result.Accepted)
	return nil
}
