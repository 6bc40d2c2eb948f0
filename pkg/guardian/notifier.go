package guardian

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/agent-guardian/pkg/logging"
	"github.com/psantana5/agent-guardian/pkg/metrics"
	"github.com/psantana5/agent-guardian/pkg/models"
	"github.com/psantana5/agent-guardian/pkg/operator"
	"github.com/psantana5/agent-guardian/pkg/store"
)

// Notifier queues messages for an absent operator and delivers them to the
// desk when the operator returns
type Notifier struct {
	store   store.Store
	desk    *operator.Desk
	logger  *logging.Logger
	metrics *metrics.Metrics

	flushMu sync.Mutex
}

// NewNotifier creates a notifier backed by s that delivers to desk
func NewNotifier(s store.Store, desk *operator.Desk, logger *logging.Logger, m *metrics.Metrics) *Notifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{
		store:   s,
		desk:    desk,
		logger:  logger.WithField("component", "notifier"),
		metrics: m,
	}
}

// Queue persists a notification for later delivery. It never waits on the operator.
func (n *Notifier) Queue(run *models.RunRecord, message string) (*models.Notification, error) {
	note := &models.Notification{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		WorkloadID: run.WorkloadID,
		Message:    message,
		CreatedAt:  time.Now(),
	}
	if err := n.store.CreateNotification(note); err != nil {
		return nil, err
	}
	n.metrics.NotificationQueued()
	n.logger.Info("Notification queued", map[string]interface{}{
		"notification_id": note.ID,
		"run_id":          run.ID,
		"workload_id":     run.WorkloadID,
	})
	return note, nil
}

// Flush delivers every pending notification to the desk and returns how many were delivered
func (n *Notifier) Flush() int {
	n.flushMu.Lock()
	defer n.flushMu.Unlock()

	pending, err := n.store.ListNotifications(true)
	if err != nil {
		n.logger.Error("Failed to list pending notifications", map[string]interface{}{"error": err})
		return 0
	}

	delivered := 0
	for _, note := range pending {
		now := time.Now()
		if err := n.store.MarkNotificationDelivered(note.ID, now); err != nil {
			n.logger.Error("Failed to mark notification delivered", map[string]interface{}{
				"notification_id": note.ID,
				"error":           err,
			})
			continue
		}
		note.DeliveredAt = &now
		if n.desk != nil {
			n.desk.Deliver(*note)
		}
		delivered++
	}

	if delivered > 0 {
		n.logger.Info("Delivered deferred notifications", map[string]interface{}{"count": delivered})
	}
	return delivered
}
