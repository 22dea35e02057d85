package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PopGraph/internal/pkg/billing"
	"github.com/ManuelReschke/PopGraph/internal/pkg/gateway"
)

// HandlePaymentCallback receives asynchronous notifications from a payment
// network. The response body is the exact acknowledgement the network
// expects; anything else makes it redeliver.
func HandlePaymentCallback(c *fiber.Ctx) error {
	method := strings.ToLower(strings.TrimSpace(c.Params("method")))
	svc := getPaymentService()
	gw, ok := svc.Gateways().Get(method)
	if !ok {
		return errorResponse(c, fiber.StatusNotFound, "invalid_method", "Unknown payment method")
	}

	body := append([]byte(nil), c.Body()...)
	header := http.Header{}
	flat := map[string]string{}
	c.Request().Header.VisitAll(func(k, v []byte) {
		header.Add(string(k), string(v))
		flat[http.CanonicalHeaderKey(string(k))] = string(v)
	})
	notification := gateway.Notification{Body: body, Header: header}

	ctx, cancel := requestContext()
	defer cancel()

	res := gw.VerifyCallback(ctx, notification)

	orderID := res.OrderID
	if orderID == "" {
		orderID = gw.ClaimedOrderID(notification)
	}
	eventType := string(res.Outcome)
	if !res.OK {
		eventType = "invalid_signature"
	}

	created, event, err := svc.RecordCallbackEvent(ctx, billing.CallbackEventInput{
		Provider:        method,
		ProviderEventID: res.EventID,
		OrderID:         orderID,
		EventType:       eventType,
		Payload:         body,
		Headers:         flat,
		SignatureValid:  res.OK,
	})
	if err != nil {
		log.Errorf("[Callback] Failed to record %s notification: %v", method, err)
		return sendAck(c, gw, fiber.StatusInternalServerError, false, "internal error")
	}
	if !created && event.IsSettled() {
		log.Debugf("[Callback] Duplicate %s notification %s for order %s", method, event.ProviderEventID, orderID)
		return sendAck(c, gw, fiber.StatusOK, true, "")
	}

	if !res.OK {
		log.Warnf("[Callback] Rejected %s notification for order %q: %s", method, orderID, res.Error)
		markProcessed(svc, event.ID, errors.New(res.Error))
		return sendAck(c, gw, fiber.StatusBadRequest, false, res.Error)
	}

	order, err := svc.Settle(ctx, method, res)
	switch {
	case err == nil:
		log.Infof("[Callback] %s notification settled order %s as %s", method, order.ID, order.Status)
	case errors.Is(err, billing.ErrInvalidOrderStatus),
		errors.Is(err, billing.ErrOrderExpired),
		errors.Is(err, billing.ErrOrderNotFound),
		errors.Is(err, billing.ErrSettlementMismatch):
		// Redelivery cannot change the outcome, so the network is told to stop.
		log.Warnf("[Callback] %s notification for order %s not applied: %v", method, res.OrderID, err)
	default:
		log.Errorf("[Callback] %s notification for order %s failed: %v", method, res.OrderID, err)
		markProcessed(svc, event.ID, err)
		return sendAck(c, gw, fiber.StatusInternalServerError, false, "internal error")
	}

	markProcessed(svc, event.ID, err)
	if archiveQueue != nil {
		if aerr := archiveQueue.EnqueueCallbackArchive(event.ID); aerr != nil {
			log.Warnf("[Callback] Could not schedule archive of event %d: %v", event.ID, aerr)
		}
	}
	return sendAck(c, gw, fiber.StatusOK, true, "")
}

func markProcessed(svc *billing.Service, eventID uint, processingErr error) {
	ctx, cancel := requestContext()
	defer cancel()
	if err := svc.MarkCallbackProcessed(ctx, eventID, processingErr); err != nil {
		log.Errorf("[Callback] Failed to mark event %d processed: %v", eventID, err)
	}
}

func sendAck(c *fiber.Ctx, gw gateway.Gateway, status int, success bool, message string) error {
	ack := gw.Ack(success, message)
	c.Set(fiber.HeaderContentType, ack.ContentType)
	return c.Status(status).Send(ack.Body)
}
