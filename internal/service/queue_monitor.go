package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"edunexus/internal/metrics"

	"github.com/sirupsen/logrus"
)

// QueueDepths is a point-in-time snapshot of every queue length.
type QueueDepths struct {
	Outbox      int `json:"outbox"`
	Signups     int `json:"signups"`
	OrgRequests int `json:"orgRequests"`
	Inbound     int `json:"inbound"`
}

// QueueMonitor periodically samples queue depths, exports them as gauges,
// and alerts the admin address through the outbox when a queue stays above
// its threshold. Alerts are rate-limited per queue with a cooldown so a
// long outage produces one email, not one per interval.
type QueueMonitor struct {
	outbox     *Outbox
	signups    *SignupService
	orgCodes   *OrgCodeService
	inbound    *InboundProcessor
	adminEmail string
	threshold  int
	cooldown   time.Duration
	interval   time.Duration
	logger     *logrus.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time
	stopCh    chan struct{}
	stopped   sync.Once
	wg        sync.WaitGroup
}

func NewQueueMonitor(outbox *Outbox, signups *SignupService, orgCodes *OrgCodeService, inbound *InboundProcessor, adminEmail string, threshold int, cooldown, interval time.Duration, logger *logrus.Logger) *QueueMonitor {
	return &QueueMonitor{
		outbox:     outbox,
		signups:    signups,
		orgCodes:   orgCodes,
		inbound:    inbound,
		adminEmail: adminEmail,
		threshold:  threshold,
		cooldown:   cooldown,
		interval:   interval,
		logger:     logger,
		lastAlert:  make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the monitor loop.
func (m *QueueMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CheckOnce()
			}
		}
	}()
}

// Stop halts the monitor loop.
func (m *QueueMonitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Depths samples every queue length.
func (m *QueueMonitor) Depths() QueueDepths {
	return QueueDepths{
		Outbox:      m.outbox.Depth(),
		Signups:     m.signups.QueueDepth(),
		OrgRequests: m.orgCodes.QueueDepth(),
		Inbound:     m.inbound.QueueDepth(),
	}
}

// CheckOnce samples the queues, publishes gauges, and raises any due alerts.
func (m *QueueMonitor) CheckOnce() QueueDepths {
	depths := m.Depths()

	metrics.SetGauge("queue_depth", float64(depths.Outbox), map[string]string{"queue": "outbox"}, "Current queue depth")
	metrics.SetGauge("queue_depth", float64(depths.Signups), map[string]string{"queue": "signups"}, "Current queue depth")
	metrics.SetGauge("queue_depth", float64(depths.OrgRequests), map[string]string{"queue": "org_requests"}, "Current queue depth")
	metrics.SetGauge("queue_depth", float64(depths.Inbound), map[string]string{"queue": "inbound"}, "Current queue depth")

	m.maybeAlert("signups", depths.Signups)
	m.maybeAlert("org_requests", depths.OrgRequests)
	m.maybeAlert("inbound", depths.Inbound)
	// The outbox alert would itself ride the outbox; it still clears once
	// the mail channel recovers, which is exactly when the admin can read
	// it.
	m.maybeAlert("outbox", depths.Outbox)

	return depths
}

func (m *QueueMonitor) maybeAlert(queueName string, depth int) {
	if depth < m.threshold || m.adminEmail == "" {
		return
	}

	m.mu.Lock()
	last, seen := m.lastAlert[queueName]
	if seen && time.Since(last) < m.cooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[queueName] = time.Now()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"queue":     queueName,
		"depth":     depth,
		"threshold": m.threshold,
	}).Warn("Queue backlog above threshold")

	subject := fmt.Sprintf("Queue backlog alert: %s", queueName)
	text := fmt.Sprintf(
		"The %s queue has %d items, above the alert threshold of %d. "+
			"This usually means a downstream dependency has been unreachable for a while.",
		queueName, depth, m.threshold)
	if err := m.outbox.Enqueue(m.adminEmail, subject, text); err != nil {
		m.logger.WithError(err).Warn("Failed to enqueue backlog alert")
	}

	metrics.IncrementCounter("queue_alerts_total", map[string]string{"queue": queueName}, "Backlog alerts raised")
}
