// Package notify emits appointment reminders. Delivery is simulated: each
// reminder is written to the log once, with Redis keys deduplicating across
// worker runs and replicas. Real email/SMS transport would slot in behind
// the send step.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clinichub/clinic-scheduling/internal/clinic"
)

type Notifier struct {
	store  clinic.Store
	rdb    *redis.Client
	lead   time.Duration
	logger *zap.Logger
}

func NewNotifier(store clinic.Store, rdb *redis.Client, lead time.Duration, logger *zap.Logger) *Notifier {
	return &Notifier{
		store:  store,
		rdb:    rdb,
		lead:   lead,
		logger: logger,
	}
}

// RemindDue sends a reminder for every live appointment starting within the
// lead window that has not been reminded yet. Returns how many were sent.
func (n *Notifier) RemindDue(ctx context.Context) (int, error) {
	until := time.Now().Add(n.lead)

	due, err := n.store.ListUpcomingAppointments(ctx, until)
	if err != nil {
		return 0, fmt.Errorf("list upcoming appointments: %w", err)
	}

	sent := 0
	for _, appt := range due {
		key := fmt.Sprintf("reminder:appointment:%s", appt.ID)

		// SETNX with a TTL past the visit keeps each reminder single-shot
		// even with multiple worker replicas.
		fresh, err := n.rdb.SetNX(ctx, key, time.Now().Format(time.RFC3339), n.lead*2).Result()
		if err != nil {
			n.logger.Warn("reminder dedupe check failed",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !fresh {
			continue
		}

		n.logger.Info("appointment reminder",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("patient", appt.PatientName),
			zap.String("doctor", appt.DoctorName),
			zap.String("date", appt.VisitDate.Format("2006-01-02")),
			zap.String("time", appt.VisitTime),
		)
		sent++
	}

	return sent, nil
}
