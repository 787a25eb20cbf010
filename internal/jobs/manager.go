package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"creditd/internal/ledger"
	"creditd/internal/topup"
	"creditd/internal/usage"
	"creditd/pkg/config"
	"creditd/pkg/kafka"
	"creditd/pkg/logging"
)

// Manager runs the background jobs of the credit ledger: the usage
// report consumer, the low-balance sweep and the reconciliation audit.
type Manager struct {
	ledger     *ledger.Service
	usage      *usage.Gateway
	topup      *topup.Controller
	consumer   *kafka.Consumer
	usageTopic string
	alerts     *alerter
	logger     logging.Logger
	stopCh     chan struct{}

	sweepInterval     time.Duration
	reconcileInterval time.Duration
}

// NewManager wires the job manager. The Kafka consumer is optional:
// when the brokers are unreachable the HTTP surface still runs and
// usage arrives over /usage/debit only.
func NewManager(l *ledger.Service, g *usage.Gateway, t *topup.Controller, log logging.Logger) *Manager {
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "creditd")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "creditd-usage")
	usageTopic := config.GetEnv("USAGE_KAFKA_TOPIC", "billing.usage_reports")
	kLogger := logrus.New() // Adapt logger

	consumer, err := kafka.NewConsumer(brokers, groupID, clientID, kLogger)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka consumer for usage reports")
	}

	return &Manager{
		ledger:            l,
		usage:             g,
		topup:             t,
		consumer:          consumer,
		usageTopic:        usageTopic,
		alerts:            newAlerter(log),
		logger:            log,
		stopCh:            make(chan struct{}),
		sweepInterval:     config.GetEnvDuration("TOPUP_SWEEP_INTERVAL", time.Minute),
		reconcileInterval: config.GetEnvDuration("RECONCILE_INTERVAL", time.Hour),
	}
}

// Consumer exposes the Kafka consumer for health checks. Nil when the
// consumer could not be created.
func (m *Manager) Consumer() *kafka.Consumer {
	return m.consumer
}

// Start begins all background jobs
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("Starting credit ledger job manager")

	if m.consumer != nil {
		m.consumer.AddHandler(m.usageTopic, m.handleUsageReport)
		go func() {
			if err := m.consumer.Start(ctx); err != nil {
				m.logger.WithError(err).Error("Kafka consumer exited with error")
			}
		}()
	}

	go m.runTopUpSweep(ctx)
	go m.runReconciliation(ctx)
}

// Stop stops all background jobs
func (m *Manager) Stop() {
	m.logger.Info("Stopping credit ledger job manager")
	if m.consumer != nil {
		m.consumer.Close()
	}
	close(m.stopCh)
}

// handleUsageReport consumes priced usage reports from Kafka. Returning
// an error blocks the partition for redelivery, so only retryable
// failures propagate; malformed reports and rejected debits are
// committed and move on.
func (m *Manager) handleUsageReport(ctx context.Context, msg kafka.Message) error {
	var report usage.Report
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		m.logger.WithError(err).Error("Failed to unmarshal usage report from Kafka")
		return nil // Skip bad message
	}

	_, err := m.usage.Debit(ctx, report)
	if err != nil {
		if ledger.IsInsufficientCredits(err) {
			// The debit is final; redelivering would reject it again.
			m.logger.WithFields(logging.Fields{
				"organization_id": report.OrganizationID,
				"external_ref":    report.ExternalRef,
			}).Warn("Usage report rejected, insufficient credits")
			return nil
		}
		if usage.IsValidation(err) {
			// Unchargeable no matter how often it is redelivered; holding
			// the partition for it would poison everything behind it.
			m.logger.WithError(err).WithFields(logging.Fields{
				"organization_id": report.OrganizationID,
				"external_ref":    report.ExternalRef,
			}).Error("Dropping unchargeable usage report")
			return nil
		}
		m.logger.WithError(err).WithField("organization_id", report.OrganizationID).
			Error("Failed to process usage report from Kafka")
		return err
	}

	m.logger.WithFields(logging.Fields{
		"organization_id": report.OrganizationID,
		"external_ref":    report.ExternalRef,
	}).Debug("Processed usage report from Kafka")

	return nil
}

// runTopUpSweep periodically looks for enabled accounts sitting below
// their threshold. Catches accounts that drained without traffic, for
// example after a failed charge while the circuit was open.
func (m *Manager) runTopUpSweep(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	m.logger.Info("Starting low-balance top-up sweep")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepTopUps(ctx)
		}
	}
}

func (m *Manager) sweepTopUps(ctx context.Context) {
	candidates, err := m.ledger.Store().ListAutoTopUpCandidates(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to list top-up candidates")
		return
	}

	for _, orgID := range candidates {
		triggered, err := m.topup.CheckAndTrigger(ctx, orgID)
		if err != nil {
			m.logger.WithError(err).WithField("organization_id", orgID).
				Warn("Sweep top-up check failed")
			continue
		}
		if triggered {
			m.logger.WithField("organization_id", orgID).Info("Sweep triggered auto top-up")
		}
	}
}

// runReconciliation periodically audits every account's balance against
// the sum of its ledger entries. Drift is reported, never corrected.
func (m *Manager) runReconciliation(ctx context.Context) {
	ticker := time.NewTicker(m.reconcileInterval)
	defer ticker.Stop()

	m.logger.Info("Starting reconciliation audit")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reconcileAll(ctx)
		}
	}
}

func (m *Manager) reconcileAll(ctx context.Context) {
	orgIDs, err := m.ledger.Store().ListOrganizationIDs(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to list organizations for reconciliation")
		return
	}

	var drifted []ledger.ReconcileReport
	for _, orgID := range orgIDs {
		report, err := m.ledger.Reconcile(ctx, orgID)
		if err != nil {
			m.logger.WithError(err).WithField("organization_id", orgID).
				Warn("Reconciliation failed for organization")
			continue
		}
		if !report.Consistent {
			drifted = append(drifted, *report)
		}
	}

	if len(drifted) > 0 {
		m.logger.WithFields(logging.Fields{
			"organizations": len(orgIDs),
			"drifted":       len(drifted),
		}).Warn("Reconciliation audit found drift")
		m.alerts.driftAlert(ctx, drifted)
	} else {
		m.logger.WithField("organizations", len(orgIDs)).Debug("Reconciliation audit clean")
	}
}
