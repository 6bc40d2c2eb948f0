package capability

import (
	"github.com/psantana5/agent-guardian/pkg/models"
)

// Capability names. These strings are the contract other collaborators register under.
const (
	ReadFile        = "read_file"
	WriteFile       = "write_file"
	EditFile        = "edit_file"
	SearchFiles     = "search_files"
	RunCommand      = "run_command"
	LoadAgent       = "load_agent"
	UnloadAgent     = "unload_agent"
	StartAgent      = "start_agent"
	RestartAgent    = "restart_agent"
	GetUserPresence = "get_user_presence"
	ListAgents      = "list_agents"
)

// Empty is the input or output of capabilities that take or return nothing
type Empty struct{}

type ReadFileInput struct {
	Path string `json:"path"`
}

type ReadFileOutput struct {
	Content string `json:"content"`
}

type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WriteFileOutput struct {
	Path  string `json:"path"` // absolute path written
	Bytes int    `json:"bytes"`
}

// EditFileInput replaces exactly one occurrence of OldText with NewText
type EditFileInput struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

type EditFileOutput struct {
	Path string `json:"path"`
}

// SearchFilesInput looks for Pattern (a regular expression) in files under Root
type SearchFilesInput struct {
	Root       string `json:"root"`
	Pattern    string `json:"pattern"`
	Glob       string `json:"glob,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

type SearchFilesOutput struct {
	Matches   []SearchMatch `json:"matches"`
	Truncated bool          `json:"truncated,omitempty"`
}

type RunCommandInput struct {
	Command string `json:"command"`
	Dir     string `json:"dir,omitempty"`
}

type RunCommandOutput struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type LoadAgentInput struct {
	Path string `json:"path"`
}

type LoadAgentOutput struct {
	WorkloadID string `json:"workload_id"`
}

type UnloadAgentInput struct {
	WorkloadID string `json:"workload_id"`
}

type StartAgentInput struct {
	WorkloadID string                 `json:"workload_id"`
	EntryPoint string                 `json:"entry_point,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
}

type StartAgentOutput struct {
	ExecutionID string `json:"execution_id"`
}

type RestartAgentInput struct {
	WorkloadID string `json:"workload_id"`
}

type PresenceOutput struct {
	State models.PresenceState `json:"state"`
}

type ListAgentsOutput struct {
	Workloads []models.WorkloadInfo `json:"workloads"`
}
