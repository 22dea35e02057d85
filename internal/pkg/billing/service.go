package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/app/repository"
	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
	"github.com/ManuelReschke/PopGraph/internal/pkg/gateway"
)

const (
	DefaultExpiryWindow  = 30 * time.Minute
	defaultQueryInterval = 10 * time.Second
	maxPageSize          = 50
)

// Service owns the order lifecycle. It is the only writer of order state;
// every write goes through OrderRepository.Transition.
type Service struct {
	orders   repository.OrderRepository
	events   repository.CallbackEventRepository
	gateways *gateway.Registry
	members  *MembershipService

	window        time.Duration
	queryInterval time.Duration
	throttle      QueryThrottle
	retrier       MembershipRetrier
	counters      OutcomeRecorder
	now           func() time.Time
}

type Option func(*Service)

func WithExpiryWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithQueryThrottle(t QueryThrottle, every time.Duration) Option {
	return func(s *Service) {
		s.throttle = t
		if every > 0 {
			s.queryInterval = every
		}
	}
}

func WithMembershipRetrier(r MembershipRetrier) Option {
	return func(s *Service) { s.retrier = r }
}

func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(s *Service) { s.counters = r }
}

// NewService creates the order lifecycle service.
func NewService(repos *repository.Repositories, gateways *gateway.Registry, members *MembershipService, opts ...Option) *Service {
	s := &Service{
		orders:        repos.Order,
		events:        repos.CallbackEvent,
		gateways:      gateways,
		members:       members,
		window:        DefaultExpiryWindow,
		queryInterval: defaultQueryInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExpiryWindowFromEnv reads ORDER_EXPIRY_MINUTES.
func ExpiryWindowFromEnv() time.Duration {
	raw := strings.TrimSpace(env.GetEnv("ORDER_EXPIRY_MINUTES", ""))
	if raw == "" {
		return DefaultExpiryWindow
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		log.Warnf("[Billing] Ignoring invalid ORDER_EXPIRY_MINUTES=%q", raw)
		return DefaultExpiryWindow
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Service) ExpiryWindow() time.Duration {
	return s.window
}

func (s *Service) Gateways() *gateway.Registry {
	return s.gateways
}

func (s *Service) Membership() *MembershipService {
	return s.members
}

// CreateOrder stores a pending order and asks the network for a payment
// redirect or QR payload. The gateway call runs without any order lock.
// When initiation fails the order is marked failed and the returned error
// wraps ErrPaymentFailed; the result is still populated.
func (s *Service) CreateOrder(ctx context.Context, userID uint, planID, method string) (*CreateOrderResult, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}
	plan, ok := LookupPlan(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, planID)
	}
	method = strings.ToLower(strings.TrimSpace(method))
	if !models.IsValidPaymentMethod(method) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	gw, ok := s.gateways.Get(method)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not enabled", ErrInvalidMethod, method)
	}

	now := s.now()
	order := &models.PaymentOrder{
		ID:               models.NewOrderID(),
		UserID:           userID,
		PlanID:           plan.ID,
		Method:           method,
		AmountMinorUnits: plan.PriceMinorUnits,
		Currency:         models.OrderCurrencyCNY,
		Status:           models.OrderStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	log.Infof("[Billing] Created order %s user=%d plan=%s method=%s amount=%d", order.ID, userID, plan.ID, method, order.AmountMinorUnits)
	s.record(ctx, OutcomeCreated, method)

	result := &CreateOrderResult{Order: order, Plan: plan, ExpiresAt: order.ExpiresAt(s.window)}
	initRes := gw.Initiate(ctx, gateway.Order{
		ID:               order.ID,
		AmountMinorUnits: order.AmountMinorUnits,
		Subject:          plan.Name,
		Description:      plan.Description,
		CreatedAt:        order.CreatedAt,
		ExpiresAt:        result.ExpiresAt,
	})
	if !initRes.OK {
		log.Warnf("[Billing] Initiation failed for order %s via %s: %s", order.ID, method, initRes.Error)
		result.Error = initRes.Error
		if failed, err := s.MarkFailed(ctx, order.ID, "initiation failed: "+initRes.Error); err != nil {
			log.Errorf("[Billing] Could not mark order %s failed: %v", order.ID, err)
		} else {
			result.Order = failed
		}
		return result, fmt.Errorf("%w: %s", ErrPaymentFailed, initRes.Error)
	}

	result.RedirectURL = initRes.RedirectURL
	result.QRPayload = initRes.QRPayload
	return result, nil
}

// MarkPaid moves a pending order to paid. Checks run in order: the order
// exists, its payment window is still open (a pending order past the window
// is persisted as expired), and it is still pending. On success the
// membership adjuster runs once; its failure never undoes the payment.
func (s *Service) MarkPaid(ctx context.Context, orderID, externalRef string) (*models.PaymentOrder, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, errors.New("external reference is required")
	}

	order, err := s.transition(ctx, orderID, func(o *models.PaymentOrder, now time.Time) (bool, error) {
		if o.Status != models.OrderStatusPending {
			return false, fmt.Errorf("%w: order %s is %s", ErrInvalidOrderStatus, o.ID, o.Status)
		}
		o.Status = models.OrderStatusPaid
		o.ExternalReference = &externalRef
		o.PaidAt = &now
		o.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return order, err
	}
	log.Infof("[Billing] Order %s paid (ref=%s)", order.ID, externalRef)
	s.record(ctx, OutcomePaid, order.Method)

	s.applyMembership(ctx, order.ID)
	return order, nil
}

// MarkFailed moves a pending order to failed.
func (s *Service) MarkFailed(ctx context.Context, orderID, reason string) (*models.PaymentOrder, error) {
	order, err := s.transition(ctx, orderID, func(o *models.PaymentOrder, now time.Time) (bool, error) {
		if !o.CanTransitionTo(models.OrderStatusFailed) {
			return false, fmt.Errorf("%w: order %s is %s", ErrInvalidOrderStatus, o.ID, o.Status)
		}
		o.Status = models.OrderStatusFailed
		o.FailureReason = truncate(reason, 255)
		o.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return order, err
	}
	log.Infof("[Billing] Order %s failed: %s", order.ID, reason)
	s.record(ctx, OutcomeFailed, order.Method)
	return order, nil
}

// transition wraps fn with the expiry guard shared by every writer.
func (s *Service) transition(ctx context.Context, orderID string, fn func(o *models.PaymentOrder, now time.Time) (bool, error)) (*models.PaymentOrder, error) {
	expired := false
	order, err := s.orders.Transition(ctx, orderID, func(o *models.PaymentOrder) (bool, error) {
		now := s.now()
		if o.IsPastWindow(now, s.window) {
			expired = true
			o.Status = models.OrderStatusExpired
			o.UpdatedAt = now
			return true, fmt.Errorf("%w: order %s", ErrOrderExpired, o.ID)
		}
		if o.Status == models.OrderStatusExpired {
			return false, fmt.Errorf("%w: order %s", ErrOrderExpired, o.ID)
		}
		return fn(o, now)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if expired && errors.Is(err, ErrOrderExpired) {
		log.Infof("[Billing] Order %s expired", orderID)
		if order != nil {
			s.record(ctx, OutcomeExpired, order.Method)
		}
	}
	return order, err
}

func (s *Service) record(ctx context.Context, outcome, method string) {
	if s.counters != nil {
		s.counters.Record(ctx, outcome, method)
	}
}

// expireIfStale applies the read-time expiry correction.
func (s *Service) expireIfStale(ctx context.Context, order *models.PaymentOrder) (*models.PaymentOrder, error) {
	if !order.IsPastWindow(s.now(), s.window) {
		return order, nil
	}
	updated, err := s.transition(ctx, order.ID, func(o *models.PaymentOrder, now time.Time) (bool, error) {
		return false, nil
	})
	if err != nil && !errors.Is(err, ErrOrderExpired) {
		return nil, err
	}
	return updated, nil
}

// GetOrder reads an order, expiring it first if its window has passed.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return s.expireIfStale(ctx, order)
}

// GetOrderForUser is GetOrder scoped to the owner. Another user's order is
// reported as not found.
func (s *Service) GetOrderForUser(ctx context.Context, userID uint, orderID string) (*models.PaymentOrder, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// PollOrderForUser returns the user's order and, while it is still pending,
// asks the network for its authoritative status. Polls are throttled per
// order and any gateway problem just leaves the order pending.
func (s *Service) PollOrderForUser(ctx context.Context, userID uint, orderID string) (*models.PaymentOrder, error) {
	order, err := s.GetOrderForUser(ctx, userID, orderID)
	if err != nil || order.Status != models.OrderStatusPending {
		return order, err
	}
	if s.throttle != nil && !s.throttle.Allow(ctx, "order_query:"+order.ID, s.queryInterval) {
		return order, nil
	}
	return s.reconcile(ctx, order), nil
}

func (s *Service) reconcile(ctx context.Context, order *models.PaymentOrder) *models.PaymentOrder {
	gw, ok := s.gateways.Get(order.Method)
	if !ok {
		return order
	}
	res := gw.QueryOrder(ctx, gateway.Order{
		ID:               order.ID,
		AmountMinorUnits: order.AmountMinorUnits,
		CreatedAt:        order.CreatedAt,
		ExpiresAt:        order.ExpiresAt(s.window),
	})
	if !res.OK {
		log.Warnf("[Billing] Status query for order %s failed: %s", order.ID, res.Error)
		return order
	}
	if res.Outcome == gateway.OutcomePending {
		return order
	}
	if res.OrderID == "" {
		res.OrderID = order.ID
	}

	updated, err := s.Settle(ctx, order.Method, res)
	switch {
	case err == nil:
		return updated
	case errors.Is(err, ErrInvalidOrderStatus), errors.Is(err, ErrOrderExpired):
		log.Infof("[Billing] Status query for order %s not applied: %v", order.ID, err)
	default:
		log.Errorf("[Billing] Status query for order %s could not be applied: %v", order.ID, err)
	}
	if fresh, gerr := s.orders.GetByID(ctx, order.ID); gerr == nil {
		return fresh
	}
	return order
}

// Settle applies a verified network result to its order.
func (s *Service) Settle(ctx context.Context, method string, res gateway.VerifyResult) (*models.PaymentOrder, error) {
	if !res.OK {
		return nil, errors.New("refusing to settle an unverified result")
	}
	order, err := s.orders.GetByID(ctx, res.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, res.OrderID)
		}
		return nil, err
	}
	if order.Method != method {
		return order, fmt.Errorf("%w: order %s was placed via %s, notified via %s", ErrSettlementMismatch, order.ID, order.Method, method)
	}

	switch res.Outcome {
	case gateway.OutcomePaid:
		if res.AmountMinorUnits != order.AmountMinorUnits {
			return order, fmt.Errorf("%w: order %s amount %d, network reported %d", ErrSettlementMismatch, order.ID, order.AmountMinorUnits, res.AmountMinorUnits)
		}
		return s.MarkPaid(ctx, order.ID, res.NetworkOrderRef)
	case gateway.OutcomeFailed:
		return s.MarkFailed(ctx, order.ID, "network reported failure")
	default:
		return s.expireIfStale(ctx, order)
	}
}

// ListOrdersForUser returns one page of the user's orders, newest first.
func (s *Service) ListOrdersForUser(ctx context.Context, userID uint, status models.OrderStatus, page, size int) (*OrderPage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > maxPageSize {
		size = 20
	}
	orders, total, err := s.orders.ListByUser(ctx, userID, status, (page-1)*size, size)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].IsPastWindow(s.now(), s.window) {
			fresh, err := s.expireIfStale(ctx, &orders[i])
			if err != nil {
				return nil, err
			}
			orders[i] = *fresh
		}
	}
	return &OrderPage{Orders: orders, Total: total, Page: page, Size: size}, nil
}

func (s *Service) applyMembership(ctx context.Context, orderID string) {
	if s.members == nil {
		return
	}
	if _, err := s.members.ApplyOrder(ctx, orderID); err != nil {
		log.Errorf("[Billing] Membership for paid order %s not applied: %v", orderID, err)
		if s.retrier != nil {
			if rerr := s.retrier.EnqueueMembershipRetry(orderID); rerr != nil {
				log.Errorf("[Billing] Could not schedule membership retry for %s: %v", orderID, rerr)
			}
		}
	}
}

// RecordCallbackEvent persists a notification idempotently. Deliveries
// without a network event id are keyed by a hash of the payload.
func (s *Service) RecordCallbackEvent(ctx context.Context, in CallbackEventInput) (bool, *models.PaymentCallbackEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256(in.Payload)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	headers := make(map[string]interface{}, len(in.Headers))
	for k, v := range in.Headers {
		headers[k] = v
	}
	event := &models.PaymentCallbackEvent{
		Provider:        provider,
		ProviderEventID: truncate(eventID, 191),
		OrderID:         truncate(strings.TrimSpace(in.OrderID), 64),
		EventType:       truncate(strings.TrimSpace(in.EventType), 64),
		PayloadRaw:      string(in.Payload),
		Headers:         headers,
		SignatureValid:  in.SignatureValid,
	}
	return s.events.CreateIfNotExists(ctx, event)
}

// MarkCallbackProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkCallbackProcessed(ctx context.Context, eventID uint, processingErr error) error {
	if eventID == 0 {
		return errors.New("callback_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.events.MarkProcessed(ctx, eventID, errMsg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
