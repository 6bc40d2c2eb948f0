package cmd

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/agent-guardian/pkg/models"
)

var (
	runsWorkload    string
	runsLimit       int
	notesPending    bool
	escalationsFrom string
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect guardian decision runs",
	Long:  `Every failure signal the guardian accepts becomes a decision run that ends in exactly one resolution.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List decision runs, newest first",
	RunE:  runRunsList,
}

var runsDescribeCmd = &cobra.Command{
	Use:   "describe <run-id>",
	Short: "Show a run with its state transitions",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDescribe,
}

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List escalation records",
	RunE:  runEscalationsList,
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications queued for the operator",
	RunE:  runNotificationsList,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsDescribeCmd)
	rootCmd.AddCommand(escalationsCmd)
	rootCmd.AddCommand(notificationsCmd)

	runsListCmd.Flags().StringVar(&runsWorkload, "workload", "", "only runs for this workload")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs (0 for all)")
	escalationsCmd.Flags().StringVar(&escalationsFrom, "workload", "", "only records for this workload")
	notificationsCmd.Flags().BoolVar(&notesPending, "pending", false, "only undelivered notifications")
}

func resolutionText(run *models.RunRecord) string {
	if run.Resolution == nil {
		return "-"
	}
	return run.Resolution.String()
}

func runRunsList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(runsLimit))
	if runsWorkload != "" {
		q.Set("workload_id", runsWorkload)
	}

	var result struct {
		Runs  []*models.RunRecord `json:"runs"`
		Count int                 `json:"count"`
	}
	if err := callAPI("GET", "/runs?"+q.Encode(), nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	if len(result.Runs) == 0 {
		fmt.Println("No decision runs")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Workload", "Severity", "Presence", "Action", "State", "Resolution", "Started")
	for _, run := range result.Runs {
		table.Append(
			run.ID[:min(8, len(run.ID))],
			run.WorkloadID,
			string(run.Severity),
			string(run.Presence),
			run.Action,
			string(run.State),
			truncate(resolutionText(run), 60),
			formatTime(run.StartedAt),
		)
	}
	table.Render()
	fmt.Printf("\nTotal runs: %d\n", result.Count)
	return nil
}

func runRunsDescribe(cmd *cobra.Command, args []string) error {
	var result struct {
		Run    *models.RunRecord  `json:"run"`
		Output map[string]*string `json:"output"`
	}
	if err := callAPI("GET", "/runs/"+url.PathEscape(args[0]), nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	run := result.Run
	fmt.Printf("Run:         %s\n", run.ID)
	fmt.Printf("Signal:      %s\n", run.SignalID)
	fmt.Printf("Graph:       %s\n", run.GraphID)
	fmt.Printf("Workload:    %s\n", run.WorkloadID)
	fmt.Printf("Error:       %s\n", run.Error)
	fmt.Printf("Severity:    %s\n", run.Severity)
	fmt.Printf("Presence:    %s\n", run.Presence)
	fmt.Printf("Action:      %s\n", run.Action)
	fmt.Printf("Resolution:  %s\n", resolutionText(run))
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "From", "To", "Reason")
	for _, tr := range run.Transitions {
		table.Append(formatTime(tr.Timestamp), string(tr.From), string(tr.To), truncate(tr.Reason, 70))
	}
	table.Render()
	return nil
}

func runEscalationsList(cmd *cobra.Command, args []string) error {
	path := "/escalations"
	if escalationsFrom != "" {
		path += "?workload_id=" + url.QueryEscape(escalationsFrom)
	}

	var result struct {
		Escalations []*models.EscalationRecord `json:"escalations"`
		Count       int                        `json:"count"`
	}
	if err := callAPI("GET", path, nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	if len(result.Escalations) == 0 {
		fmt.Println("No escalations")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Created", "Workload", "Severity", "Reason", "File")
	for _, rec := range result.Escalations {
		file := rec.Path
		if file == "" {
			file = "-"
		}
		table.Append(formatTime(rec.CreatedAt), rec.WorkloadID, string(rec.Severity), truncate(rec.Reason, 50), file)
	}
	table.Render()
	fmt.Printf("\nTotal escalations: %d\n", result.Count)
	return nil
}

func runNotificationsList(cmd *cobra.Command, args []string) error {
	var result struct {
		Notifications []*models.Notification `json:"notifications"`
		Count         int                    `json:"count"`
	}
	path := "/notifications?pending=" + strconv.FormatBool(notesPending)
	if err := callAPI("GET", path, nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	if len(result.Notifications) == 0 {
		fmt.Println("No notifications")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Created", "Workload", "Message", "Delivered")
	for _, n := range result.Notifications {
		delivered := "pending"
		if n.DeliveredAt != nil {
			delivered = formatTime(*n.DeliveredAt)
		}
		table.Append(formatTime(n.CreatedAt), n.WorkloadID, truncate(n.Message, 60), delivered)
	}
	table.Render()
	return nil
}
