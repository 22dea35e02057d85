package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20
)

// Outcome is the settlement state a network reports for an order.
type Outcome string

const (
	OutcomePaid    Outcome = "paid"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// Order is the subset of a payment order an adapter needs.
type Order struct {
	ID               string
	AmountMinorUnits int64
	Subject          string
	Description      string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// InitiateResult is returned by Initiate. Exactly one of RedirectURL or
// QRPayload is set when OK is true.
type InitiateResult struct {
	OK              bool
	RedirectURL     string
	QRPayload       string
	NetworkOrderRef string
	Error           string
}

// VerifyResult is returned by VerifyCallback and QueryOrder. Fields other
// than Error are only meaningful when OK is true.
type VerifyResult struct {
	OK               bool
	Outcome          Outcome
	OrderID          string
	NetworkOrderRef  string
	AmountMinorUnits int64
	PaidAt           *time.Time
	EventID          string
	Error            string
}

// Notification is a raw inbound delivery from a network.
type Notification struct {
	Body   []byte
	Header http.Header
}

// Ack is the exact response body a network expects after a delivery.
type Ack struct {
	ContentType string
	Body        []byte
}

// Gateway is implemented once per payment network. Signing and key material
// stay private to each implementation.
type Gateway interface {
	Method() string
	Initiate(ctx context.Context, order Order) InitiateResult
	VerifyCallback(ctx context.Context, n Notification) VerifyResult
	QueryOrder(ctx context.Context, order Order) VerifyResult
	ClaimedOrderID(n Notification) string
	Ack(success bool, message string) Ack
}

func initiateFailed(format string, args ...any) InitiateResult {
	return InitiateResult{OK: false, Error: fmt.Sprintf(format, args...)}
}

func verifyFailed(format string, args ...any) VerifyResult {
	return VerifyResult{OK: false, Error: fmt.Sprintf(format, args...)}
}

// Registry maps a payment method to its gateway.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

// NewRegistryFromEnv builds all three network adapters from configuration.
// Adapters with missing credentials are still registered and report the
// missing setting on every call.
func NewRegistryFromEnv() *Registry {
	return NewRegistry(
		NewAlipayGatewayFromEnv(),
		NewWechatPayGatewayFromEnv(),
		NewUnionPayGatewayFromEnv(),
	)
}

func (r *Registry) Get(method string) (Gateway, bool) {
	g, ok := r.gateways[method]
	return g, ok
}

// Methods returns the registered payment methods in stable order.
func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// callbackURL returns the public notify URL for a payment method.
func callbackURL(method string) string {
	base := strings.TrimRight(env.GetEnv("PAYMENT_NOTIFY_BASE_URL", env.GetEnv("PUBLIC_DOMAIN", "")), "/")
	if base == "" {
		return ""
	}
	return base + "/api/v1/payment/callback/" + method
}

func returnURL() string {
	return strings.TrimSpace(env.GetEnv("PAYMENT_RETURN_URL", ""))
}

func timeoutFromEnv() time.Duration {
	secs := env.GetInt("GATEWAY_TIMEOUT_SECONDS", 0)
	if secs <= 0 {
		return defaultTimeout
	}
	return time.Duration(secs) * time.Second
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}
