package escalation

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/audit"
	"github.com/mujerheed/ZeroTrust-Ecommerce-sub001/internal/database"
)

const sweepBatch = 100

// Sweeper expires pending escalations that ran out their 24 hour window:
// escalation → EXPIRED, order → REJECTED, buyer notified.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *log.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper. A zero interval uses 5 minutes.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   log.New(log.Writer(), "[ESCALATION-SWEEP] ", log.LstdFlags),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop.
func (sw *Sweeper) Start() {
	go func() {
		defer close(sw.done)
		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()
		for {
			select {
			case <-sw.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				sw.SweepOnce(ctx)
				cancel()
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	close(sw.stop)
	<-sw.done
}

// SweepOnce expires every overdue PENDING escalation it can claim. Each
// expiry is a CAS, so concurrent sweepers (multi-instance deployments) and
// racing resolutions are safe: the loser of either race skips the row.
func (sw *Sweeper) SweepOnce(ctx context.Context) {
	escs, err := sw.svc.store.ListExpiredPendingEscalations(ctx, time.Now(), sweepBatch)
	if err != nil {
		sw.logger.Printf("list expired escalations: %v", err)
		return
	}

	for _, esc := range escs {
		if err := sw.expire(ctx, esc); err != nil {
			sw.logger.Printf("expire %s: %v", esc.EscalationID, err)
		}
	}
}

func (sw *Sweeper) expire(ctx context.Context, esc database.Escalation) error {
	err := sw.svc.store.ResolveEscalation(ctx, esc.TenantID, esc.EscalationID, database.EscalationExpired, "system")
	if err != nil {
		if errors.Is(err, database.ErrPreconditionFail) {
			return nil // resolved while we were sweeping
		}
		return err
	}

	if err := sw.svc.store.TransitionOrder(ctx, esc.TenantID, esc.OrderID,
		database.OrderEscalated, database.OrderRejected); err != nil {
		sw.logger.Printf("order %s rejection after expiry: %v", esc.OrderID, err)
	} else {
		sw.svc.auditOrder(ctx, esc.TenantID, esc.OrderID, database.OrderEscalated, database.OrderRejected)
	}

	if err := sw.svc.journal.Append(ctx, audit.Record{
		Action:    audit.ActionEscalationExpired,
		TenantID:  esc.TenantID,
		SubjectID: esc.OrderID,
		Details:   map[string]string{"escalation_id": esc.EscalationID},
	}); err != nil {
		audit.LogFailure(err, audit.ActionEscalationExpired)
	}
	if m := sw.svc.cfg.Metrics; m != nil {
		m.EscalationsResolved.WithLabelValues("expired").Inc()
	}

	if o, err := sw.svc.store.GetOrder(ctx, esc.TenantID, esc.OrderID); err == nil {
		sw.svc.notifyBuyer(ctx, esc.TenantID, o.BuyerID,
			"The review window for your order has closed and the payment was not approved. Please contact the store.")
	}
	return nil
}
