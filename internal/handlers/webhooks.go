package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"creditd/internal/payments"
)

// maxWebhookBody caps the Stripe payload size. Stripe events are small;
// anything larger is not ours.
const maxWebhookBody = 1 << 20

// HandleStripeWebhook receives payment confirmation events from Stripe.
// Signature verification happens before anything else; unverifiable
// payloads are rejected without being parsed.
func (a *API) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Failed to read payload"})
		return
	}

	event, err := a.stripe.VerifyAndParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		a.logger.WithError(err).Warn("Rejected Stripe webhook with bad signature")
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid signature"})
		return
	}

	ev, relevant, err := a.stripe.EventToPayment(c.Request.Context(), event)
	if err != nil {
		a.logger.WithError(err).WithField("event_type", event.Type).Error("Failed to parse Stripe event")
		c.JSON(http.StatusBadRequest, errorResponse{Error: "Malformed event"})
		return
	}
	if !relevant {
		// Acknowledge everything else so Stripe stops redelivering.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := a.adapter.HandleEvent(c.Request.Context(), *ev); err != nil {
		a.recordWebhookEvent(string(event.Type), "error")
		a.logger.WithError(err).WithField("reference_id", ev.ReferenceID).Error("Failed to process payment event")
		// Non-2xx makes Stripe retry; the idempotency key keeps the
		// eventual replay from double-crediting.
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to process event"})
		return
	}

	a.recordWebhookEvent(string(event.Type), string(ev.Outcome))
	if ev.Outcome == payments.OutcomeSucceeded && a.metrics != nil && a.metrics.CreditsApplied != nil {
		a.metrics.CreditsApplied.WithLabelValues(string(ev.Kind)).Inc()
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (a *API) recordWebhookEvent(eventType, outcome string) {
	if a.metrics != nil && a.metrics.WebhookEvents != nil {
		a.metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	}
}
