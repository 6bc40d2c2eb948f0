package operator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/agent-guardian/pkg/models"
)

var (
	ErrPromptNotFound = errors.New("prompt not found")
	ErrInvalidChoice  = errors.New("invalid choice")
)

// Remediation options offered to a present operator
const (
	OptionRetry   = "retry"   // run the loaded workload again
	OptionStop    = "stop"    // unload the workload
	OptionHandled = "handled" // the operator fixed it by hand; reload and start
)

const feedSize = 100

// Option is one concrete choice in a prompt
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Prompt is a request for operator input
type Prompt struct {
	ID         string               `json:"id"`
	RunID      string               `json:"run_id"`
	WorkloadID string               `json:"workload_id"`
	Severity   models.SeverityClass `json:"severity"`
	Error      string               `json:"error"`
	Message    string               `json:"message"`
	Options    []Option             `json:"options"`
	CreatedAt  time.Time            `json:"created_at"`
}

// HasOption reports whether id is one of the prompt's options
func (p Prompt) HasOption(id string) bool {
	for _, o := range p.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Answer is the operator's reply to a prompt
type Answer struct {
	PromptID   string    `json:"prompt_id"`
	Choice     string    `json:"choice"`
	Note       string    `json:"note,omitempty"`
	AnsweredAt time.Time `json:"answered_at"`
}

type pendingPrompt struct {
	prompt Prompt
	reply  chan Answer
}

// Desk is where the guardian and the operator meet: prompts waiting for
// an answer and a feed of delivered notifications
type Desk struct {
	mu      sync.Mutex
	pending map[string]*pendingPrompt
	feed    []models.Notification
	onAsk   func(Prompt)
}

// NewDesk creates an empty desk
func NewDesk() *Desk {
	return &Desk{pending: make(map[string]*pendingPrompt)}
}

// OnAsk registers a hook called whenever a new prompt is posted
func (d *Desk) OnAsk(fn func(Prompt)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAsk = fn
}

// Ask posts p and blocks until it is answered or ctx ends.
// A prompt that is abandoned through ctx is withdrawn from the desk.
func (d *Desk) Ask(ctx context.Context, p Prompt) (Answer, error) {
	if len(p.Options) == 0 {
		return Answer{}, fmt.Errorf("prompt has no options")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	pp := &pendingPrompt{prompt: p, reply: make(chan Answer, 1)}

	d.mu.Lock()
	d.pending[p.ID] = pp
	hook := d.onAsk
	d.mu.Unlock()

	if hook != nil {
		hook(p)
	}

	select {
	case ans := <-pp.reply:
		return ans, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, p.ID)
		d.mu.Unlock()
		// An answer may have raced the cancellation
		select {
		case ans := <-pp.reply:
			return ans, nil
		default:
		}
		return Answer{}, context.Cause(ctx)
	}
}

// Answer delivers the operator's choice to the waiting run
func (d *Desk) Answer(promptID, choice, note string) error {
	d.mu.Lock()
	pp, ok := d.pending[promptID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%s: %w", promptID, ErrPromptNotFound)
	}
	if !pp.prompt.HasOption(choice) {
		d.mu.Unlock()
		return fmt.Errorf("%q: %w", choice, ErrInvalidChoice)
	}
	delete(d.pending, promptID)
	d.mu.Unlock()

	pp.reply <- Answer{PromptID: promptID, Choice: choice, Note: note, AnsweredAt: time.Now()}
	return nil
}

// Pending returns the unanswered prompts, oldest first
func (d *Desk) Pending() []Prompt {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Prompt, 0, len(d.pending))
	for _, pp := range d.pending {
		out = append(out, pp.prompt)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a pending prompt by id
func (d *Desk) Get(promptID string) (Prompt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pp, ok := d.pending[promptID]
	if !ok {
		return Prompt{}, fmt.Errorf("%s: %w", promptID, ErrPromptNotFound)
	}
	return pp.prompt, nil
}

// Deliver appends a notification to the operator feed, keeping the most recent entries
func (d *Desk) Deliver(n models.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.feed = append(d.feed, n)
	if len(d.feed) > feedSize {
		d.feed = append([]models.Notification(nil), d.feed[len(d.feed)-feedSize:]...)
	}
}

// Feed returns the delivered notifications, oldest first
func (d *Desk) Feed() []models.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Notification(nil), d.feed...)
}

// DefaultOptions returns the standard choices offered for a failed workload
func DefaultOptions() []Option {
	return []Option{
		{ID: OptionRetry, Label: "Retry", Description: "Run the workload again as it is loaded"},
		{ID: OptionStop, Label: "Stop", Description: "Unload the workload and leave it for later"},
		{ID: OptionHandled, Label: "Handled", Description: "I fixed it myself, reload it from its definition and start it"},
	}
}
