package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
)

const (
	unionPayProductionHost = "https://gateway.95516.com"
	unionPaySandboxHost    = "https://gateway.test.95516.com"
	unionPayFrontPath      = "/gateway/api/frontTransReq.do"
	unionPayQueryPath      = "/gateway/api/queryTrans.do"
	unionPayTimeLayout     = "20060102150405"
	unionPayVersion        = "5.1.0"
	unionPaySignMethod     = "11"
	unionPayCurrencyCNY    = "156"
)

// UnionPayGateway signs with signMethod 11: sha256 over the sorted
// parameters joined with the sha256 of the merchant secure key.
type UnionPayGateway struct {
	MerID      string
	FrontURL   string
	QueryURL   string
	NotifyURL  string
	ReturnURL  string
	Timeout    time.Duration
	HTTPClient *http.Client

	secureKey string
}

func NewUnionPayGatewayFromEnv() *UnionPayGateway {
	host := unionPayProductionHost
	if env.GetBool("UNIONPAY_SANDBOX", true) {
		host = unionPaySandboxHost
	}
	host = strings.TrimRight(strings.TrimSpace(env.GetEnv("UNIONPAY_GATEWAY_HOST", host)), "/")
	return NewUnionPayGateway(
		strings.TrimSpace(env.GetEnv("UNIONPAY_MER_ID", "")),
		env.GetEnv("UNIONPAY_SECURE_KEY", ""),
		host,
		callbackURL(models.PaymentMethodUnionPay),
		returnURL(),
		timeoutFromEnv(),
	)
}

func NewUnionPayGateway(merID, secureKey, host, notifyURL, returnURL string, timeout time.Duration) *UnionPayGateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	host = strings.TrimRight(host, "/")
	return &UnionPayGateway{
		MerID:      merID,
		FrontURL:   host + unionPayFrontPath,
		QueryURL:   host + unionPayQueryPath,
		NotifyURL:  notifyURL,
		ReturnURL:  returnURL,
		Timeout:    timeout,
		HTTPClient: newHTTPClient(timeout),
		secureKey:  secureKey,
	}
}

func (g *UnionPayGateway) Method() string {
	return models.PaymentMethodUnionPay
}

func (g *UnionPayGateway) configError() error {
	if g.MerID == "" {
		return errors.New("UNIONPAY_MER_ID is not configured")
	}
	if g.secureKey == "" {
		return errors.New("UNIONPAY_SECURE_KEY is not configured")
	}
	return nil
}

func (g *UnionPayGateway) Initiate(ctx context.Context, order Order) InitiateResult {
	if err := ctx.Err(); err != nil {
		return initiateFailed("unionpay initiate aborted: %v", err)
	}
	if err := g.configError(); err != nil {
		return initiateFailed("%v", err)
	}
	if len(order.ID) > 32 {
		return initiateFailed("unionpay orderId %q exceeds 32 characters", order.ID)
	}

	params := g.baseParams("01", "01")
	params["orderId"] = order.ID
	params["txnTime"] = txnTime(order.CreatedAt)
	params["txnAmt"] = strconv.FormatInt(order.AmountMinorUnits, 10)
	params["currencyCode"] = unionPayCurrencyCNY
	params["frontUrl"] = g.ReturnURL
	params["backUrl"] = g.NotifyURL
	params["orderDesc"] = order.Subject
	if !order.ExpiresAt.IsZero() {
		params["payTimeout"] = order.ExpiresAt.In(shanghai).Format(unionPayTimeLayout)
	}
	params["signature"] = g.sign(params)

	return InitiateResult{
		OK:          true,
		RedirectURL: g.FrontURL + "?" + encodeParams(params),
	}
}

func (g *UnionPayGateway) ClaimedOrderID(n Notification) string {
	form, err := url.ParseQuery(string(n.Body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(form.Get("orderId"))
}

func (g *UnionPayGateway) VerifyCallback(ctx context.Context, n Notification) VerifyResult {
	_ = ctx
	if g.secureKey == "" {
		return verifyFailed("UNIONPAY_SECURE_KEY is not configured")
	}
	form, err := url.ParseQuery(string(n.Body))
	if err != nil {
		return verifyFailed("unionpay notification is not form encoded: %v", err)
	}
	params := formToMap(form)
	if err := g.verify(params); err != nil {
		return verifyFailed("%v", err)
	}

	res, err := g.transactionResult(params, params["respCode"])
	if err != nil {
		return verifyFailed("%v", err)
	}
	res.EventID = params["queryId"] + ":" + params["respCode"]
	return res
}

func (g *UnionPayGateway) QueryOrder(ctx context.Context, order Order) VerifyResult {
	if err := g.configError(); err != nil {
		return verifyFailed("%v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	params := g.baseParams("00", "00")
	params["orderId"] = order.ID
	params["txnTime"] = txnTime(order.CreatedAt)
	params["signature"] = g.sign(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.QueryURL, strings.NewReader(encodeParams(params)))
	if err != nil {
		return verifyFailed("unionpay query request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return verifyFailed("unionpay query failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return verifyFailed("unionpay query failed: status=%d", resp.StatusCode)
	}
	return g.parseQueryResponse(body, order.ID)
}

func (g *UnionPayGateway) parseQueryResponse(body []byte, orderID string) VerifyResult {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return verifyFailed("unionpay query response is not form encoded: %v", err)
	}
	params := formToMap(form)
	if err := g.verify(params); err != nil {
		return verifyFailed("%v", err)
	}

	switch params["respCode"] {
	case "00":
	case "34":
		// Order unknown to UnionPay: the payer never reached the cashier.
		return VerifyResult{OK: true, Outcome: OutcomePending, OrderID: orderID}
	default:
		return verifyFailed("unionpay query rejected: %s %s", params["respCode"], params["respMsg"])
	}

	res, err := g.transactionResult(params, params["origRespCode"])
	if err != nil {
		return verifyFailed("%v", err)
	}
	return res
}

func (g *UnionPayGateway) Ack(success bool, message string) Ack {
	_ = message
	body := "fail"
	if success {
		body = "success"
	}
	return Ack{ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}

func (g *UnionPayGateway) baseParams(txnType, txnSubType string) map[string]string {
	return map[string]string{
		"version":     unionPayVersion,
		"encoding":    "UTF-8",
		"signMethod":  unionPaySignMethod,
		"txnType":     txnType,
		"txnSubType":  txnSubType,
		"bizType":     "000201",
		"accessType":  "0",
		"channelType": "07",
		"merId":       g.MerID,
	}
}

func (g *UnionPayGateway) sign(params map[string]string) string {
	keyDigest := sha256.Sum256([]byte(g.secureKey))
	content := canonicalString(params, "signature") + "&" + hex.EncodeToString(keyDigest[:])
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (g *UnionPayGateway) verify(params map[string]string) error {
	sig := strings.ToLower(strings.TrimSpace(params["signature"]))
	if sig == "" {
		return errors.New("unionpay message missing signature")
	}
	if params["signMethod"] != "" && params["signMethod"] != unionPaySignMethod {
		return fmt.Errorf("unionpay signMethod %q is not supported", params["signMethod"])
	}
	if !hmac.Equal([]byte(g.sign(params)), []byte(sig)) {
		return errors.New("unionpay signature mismatch")
	}
	if merID := params["merId"]; merID != "" && merID != g.MerID {
		return fmt.Errorf("unionpay merId %q does not match", merID)
	}
	return nil
}

func (g *UnionPayGateway) transactionResult(params map[string]string, code string) (VerifyResult, error) {
	orderID := strings.TrimSpace(params["orderId"])
	if orderID == "" {
		return VerifyResult{}, errors.New("unionpay payload missing orderId")
	}

	res := VerifyResult{
		OK:              true,
		OrderID:         orderID,
		NetworkOrderRef: strings.TrimSpace(params["queryId"]),
	}
	switch code {
	case "00", "A6":
		res.Outcome = OutcomePaid
	case "03", "04", "05":
		res.Outcome = OutcomePending
	default:
		res.Outcome = OutcomeFailed
	}

	if amt := strings.TrimSpace(params["txnAmt"]); amt != "" {
		v, err := strconv.ParseInt(amt, 10, 64)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("unionpay txnAmt %q is invalid", amt)
		}
		res.AmountMinorUnits = v
	}
	if ts := strings.TrimSpace(params["txnTime"]); ts != "" {
		if t, err := time.ParseInLocation(unionPayTimeLayout, ts, shanghai); err == nil {
			res.PaidAt = &t
		}
	}
	if res.Outcome == OutcomePaid && res.NetworkOrderRef == "" {
		return VerifyResult{}, errors.New("unionpay payload missing queryId")
	}
	return res, nil
}

func txnTime(t time.Time) string {
	return t.In(shanghai).Format(unionPayTimeLayout)
}
