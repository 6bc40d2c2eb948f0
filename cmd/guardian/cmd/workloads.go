package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/agent-guardian/pkg/lifecycle"
	"github.com/psantana5/agent-guardian/pkg/models"
)

var (
	startEntryPoint string
	startInput      string
)

// workloadsCmd represents the workloads command
var workloadsCmd = &cobra.Command{
	Use:     "workloads",
	Aliases: []string{"agents"},
	Short:   "Manage supervised workloads",
	Long:    `Commands for loading, starting, restarting and unloading supervised workloads.`,
}

var workloadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded workloads",
	RunE:  runWorkloadsList,
}

var workloadsDescribeCmd = &cobra.Command{
	Use:   "describe <workload-id>",
	Short: "Show one workload",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkloadsDescribe,
}

var workloadsLoadCmd = &cobra.Command{
	Use:   "load <path>",
	Short: "Load a workload from its stored definition",
	Long: `Loads the definition at <path>, relative to the server's definitions_dir.
Loading a path that is already loaded returns the existing workload.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkloadsLoad,
}

var workloadsStartCmd = &cobra.Command{
	Use:   "start <workload-id>",
	Short: "Start an execution of a loaded workload",
	Long: `Starts an execution from an entry point (the definition's default when
--entry-point is not given). --input takes a JSON object.

Example:
  guardian workloads start research --input '{"topic":"supervision"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkloadsStart,
}

func newWorkloadActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <workload-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/workloads/%s/%s", url.PathEscape(args[0]), action)
			if err := callAPI("POST", path, nil, nil); err != nil {
				return err
			}
			fmt.Printf("Workload %s: %s done\n", args[0], action)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(workloadsCmd)
	workloadsCmd.AddCommand(workloadsListCmd)
	workloadsCmd.AddCommand(workloadsDescribeCmd)
	workloadsCmd.AddCommand(workloadsLoadCmd)
	workloadsCmd.AddCommand(workloadsStartCmd)
	workloadsCmd.AddCommand(newWorkloadActionCmd("restart", "Reload a workload's definition and reset it to loaded"))
	workloadsCmd.AddCommand(newWorkloadActionCmd("stop", "Halt a workload but keep it loaded"))
	workloadsCmd.AddCommand(newWorkloadActionCmd("unload", "Unload a workload"))

	workloadsStartCmd.Flags().StringVar(&startEntryPoint, "entry-point", "", "entry point to start from")
	workloadsStartCmd.Flags().StringVar(&startInput, "input", "", "execution input as a JSON object")
}

type workloadsListResponse struct {
	Workloads []models.Workload `json:"workloads"`
	Count     int               `json:"count"`
}

func runWorkloadsList(cmd *cobra.Command, args []string) error {
	var result workloadsListResponse
	if err := callAPI("GET", "/workloads", nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	if len(result.Workloads) == 0 {
		fmt.Println("No workloads loaded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Status", "Executions", "Last Error", "Updated")
	for _, w := range result.Workloads {
		table.Append(
			w.ID,
			w.Name,
			string(w.Status),
			strconv.Itoa(w.Executions),
			truncate(w.LastError, 50),
			formatTime(w.UpdatedAt),
		)
	}
	table.Render()
	fmt.Printf("\nTotal workloads: %d\n", result.Count)
	return nil
}

func printWorkload(w models.Workload) {
	fmt.Printf("ID:            %s\n", w.ID)
	fmt.Printf("Name:          %s\n", w.Name)
	fmt.Printf("Status:        %s\n", w.Status)
	fmt.Printf("Definition:    %s\n", w.Path)
	if w.SourceDir != "" {
		fmt.Printf("Source:        %s\n", w.SourceDir)
	}
	if w.DefaultEntryPoint != "" {
		fmt.Printf("Entry point:   %s\n", w.DefaultEntryPoint)
	}
	fmt.Printf("Executions:    %d\n", w.Executions)
	if w.LastError != "" {
		fmt.Printf("Last error:    %s\n", w.LastError)
	}
	fmt.Printf("Loaded:        %s\n", formatTime(w.LoadedAt))
}

func runWorkloadsDescribe(cmd *cobra.Command, args []string) error {
	var w models.Workload
	if err := callAPI("GET", "/workloads/"+url.PathEscape(args[0]), nil, &w); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(w)
	}
	printWorkload(w)
	return nil
}

func runWorkloadsLoad(cmd *cobra.Command, args []string) error {
	var w models.Workload
	if err := callAPI("POST", "/workloads/load", map[string]string{"path": args[0]}, &w); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(w)
	}
	fmt.Printf("Loaded workload %s\n\n", w.ID)
	printWorkload(w)
	return nil
}

func runWorkloadsStart(cmd *cobra.Command, args []string) error {
	req := map[string]interface{}{}
	if startEntryPoint != "" {
		req["entry_point"] = startEntryPoint
	}
	if startInput != "" {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(startInput), &input); err != nil {
			return fmt.Errorf("--input must be a JSON object: %w", err)
		}
		req["input"] = input
	}

	var exec lifecycle.Execution
	if err := callAPI("POST", "/workloads/"+url.PathEscape(args[0])+"/start", req, &exec); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(&exec)
	}
	fmt.Printf("Started execution %s of %s from %s\n", exec.ID, exec.WorkloadID, exec.EntryPoint)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
