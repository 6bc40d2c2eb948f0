package cmd

import (
	"fmt"
	"net/url"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/agent-guardian/pkg/operator"
)

var answerNote string

// promptsCmd represents the prompts command
var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Answer the guardian's questions",
	Long: `When the operator is present the guardian asks before acting on a failure.
These commands list the open prompts and answer them.`,
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompts waiting for an answer",
	RunE:  runPromptsList,
}

var promptsAnswerCmd = &cobra.Command{
	Use:   "answer <prompt-id> [choice]",
	Short: "Answer a prompt",
	Long: `Answers a prompt with one of its options: retry, stop or handled.
Without a choice the prompt is shown and the choice is read from the terminal.

Example:
  guardian prompts answer 3f2a... handled --note "rotated the API key"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPromptsAnswer,
}

func init() {
	rootCmd.AddCommand(promptsCmd)
	promptsCmd.AddCommand(promptsListCmd)
	promptsCmd.AddCommand(promptsAnswerCmd)

	promptsAnswerCmd.Flags().StringVar(&answerNote, "note", "", "what you did, recorded in the resolution")
}

func runPromptsList(cmd *cobra.Command, args []string) error {
	var result struct {
		Prompts []operator.Prompt `json:"prompts"`
		Count   int               `json:"count"`
	}
	if err := callAPI("GET", "/prompts", nil, &result); err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	if len(result.Prompts) == 0 {
		fmt.Println("No open prompts")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Workload", "Severity", "Error", "Asked")
	for _, p := range result.Prompts {
		table.Append(p.ID, p.WorkloadID, string(p.Severity), truncate(p.Error, 60), formatTime(p.CreatedAt))
	}
	table.Render()
	return nil
}

func runPromptsAnswer(cmd *cobra.Command, args []string) error {
	id := args[0]

	choice := ""
	if len(args) == 2 {
		choice = args[1]
	} else {
		if !operator.IsInteractive() {
			return fmt.Errorf("no choice given and stdin is not a terminal")
		}
		var p operator.Prompt
		if err := callAPI("GET", "/prompts/"+url.PathEscape(id), nil, &p); err != nil {
			return err
		}
		var err error
		if choice, err = operator.NewConsole().Choose(p); err != nil {
			return err
		}
	}

	req := map[string]string{"choice": choice, "note": answerNote}
	if err := callAPI("POST", "/prompts/"+url.PathEscape(id)+"/answer", req, nil); err != nil {
		return err
	}
	fmt.Printf("Answered %s with %s\n", id, choice)
	return nil
}
