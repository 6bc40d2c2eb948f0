package guardian

import (
	"context"
	"errors"
	"regexp"

	"github.com/psantana5/agent-guardian/pkg/capability"
	"github.com/psantana5/agent-guardian/pkg/models"
)

// ErrNoProposal means the repairer found nothing it could change
var ErrNoProposal = errors.New("no repair proposed")

// RepairContext is the evidence gathered from the workload source before proposing a fix
type RepairContext struct {
	Signal   models.FailureSignal
	Workload models.Workload
	Matches  []capability.SearchMatch
	Files    map[string]string // workspace-relative path -> content
}

// Proposal is a single exact-text replacement in one file
type Proposal struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
	Summary string `json:"summary"`
}

// Repairer proposes a code fix for a logic failure
type Repairer interface {
	Propose(ctx context.Context, rc RepairContext) (*Proposal, error)
}

// Investigator is implemented by repairers that choose what to search for.
// Without it the engine searches for identifiers quoted in the error.
type Investigator interface {
	SearchQuery(sig models.FailureSignal) (pattern, glob string)
}

// NoRepair never proposes a fix, so logic failures escalate
type NoRepair struct{}

func (NoRepair) Propose(context.Context, RepairContext) (*Proposal, error) {
	return nil, ErrNoProposal
}

var quotedToken = regexp.MustCompile("['\"`]([A-Za-z_][A-Za-z0-9_.]{2,})['\"`]")

// defaultSearchQuery picks the first quoted identifier in the error
func defaultSearchQuery(sig models.FailureSignal) (string, string) {
	m := quotedToken.FindStringSubmatch(sig.Error)
	if m == nil {
		return "", ""
	}
	return regexp.QuoteMeta(m[1]), ""
}
