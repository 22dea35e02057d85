package gateway

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
)

const (
	alipayProductionURL = "https://openapi.alipay.com/gateway.do"
	alipaySandboxURL    = "https://openapi-sandbox.dl.alipaydev.com/gateway.do"
	alipayTimeLayout    = "2006-01-02 15:04:05"
)

// AlipayGateway signs requests with the merchant RSA key (RSA2) over the
// sorted query string and verifies notifications with the Alipay public key.
type AlipayGateway struct {
	AppID      string
	GatewayURL string
	NotifyURL  string
	ReturnURL  string
	Timeout    time.Duration
	HTTPClient *http.Client

	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyErr     error
	now        func() time.Time
}

func NewAlipayGatewayFromEnv() *AlipayGateway {
	gatewayURL := alipayProductionURL
	if env.GetBool("ALIPAY_SANDBOX", true) {
		gatewayURL = alipaySandboxURL
	}
	timeout := timeoutFromEnv()
	return NewAlipayGateway(
		strings.TrimSpace(env.GetEnv("ALIPAY_APP_ID", "")),
		env.GetEnv("ALIPAY_PRIVATE_KEY", ""),
		env.GetEnv("ALIPAY_PUBLIC_KEY", ""),
		strings.TrimSpace(env.GetEnv("ALIPAY_GATEWAY_URL", gatewayURL)),
		callbackURL(models.PaymentMethodAlipay),
		returnURL(),
		timeout,
	)
}

// NewAlipayGateway parses the PEM (or bare base64) keys once. A key that fails
// to parse is reported by every subsequent call.
func NewAlipayGateway(appID, privateKeyPEM, publicKeyPEM, gatewayURL, notifyURL, returnURL string, timeout time.Duration) *AlipayGateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	g := &AlipayGateway{
		AppID:      appID,
		GatewayURL: gatewayURL,
		NotifyURL:  notifyURL,
		ReturnURL:  returnURL,
		Timeout:    timeout,
		HTTPClient: newHTTPClient(timeout),
		now:        time.Now,
	}
	if strings.TrimSpace(privateKeyPEM) != "" {
		g.privateKey, g.keyErr = parseRSAPrivateKey(privateKeyPEM)
	}
	if g.keyErr == nil && strings.TrimSpace(publicKeyPEM) != "" {
		g.publicKey, g.keyErr = parseRSAPublicKey(publicKeyPEM)
	}
	return g
}

func (g *AlipayGateway) Method() string {
	return models.PaymentMethodAlipay
}

func (g *AlipayGateway) configError() error {
	if g.keyErr != nil {
		return fmt.Errorf("alipay key material is invalid: %w", g.keyErr)
	}
	if g.AppID == "" {
		return errors.New("ALIPAY_APP_ID is not configured")
	}
	if g.privateKey == nil {
		return errors.New("ALIPAY_PRIVATE_KEY is not configured")
	}
	return nil
}

func (g *AlipayGateway) Initiate(ctx context.Context, order Order) InitiateResult {
	if err := ctx.Err(); err != nil {
		return initiateFailed("alipay initiate aborted: %v", err)
	}
	if err := g.configError(); err != nil {
		return initiateFailed("%v", err)
	}

	biz := map[string]string{
		"out_trade_no": order.ID,
		"total_amount": formatYuan(order.AmountMinorUnits),
		"subject":      order.Subject,
		"body":         order.Description,
		"product_code": "FAST_INSTANT_TRADE_PAY",
	}
	if !order.ExpiresAt.IsZero() {
		biz["time_expire"] = order.ExpiresAt.In(shanghai).Format(alipayTimeLayout)
	}
	bizJSON, err := json.Marshal(biz)
	if err != nil {
		return initiateFailed("alipay biz_content encoding failed: %v", err)
	}

	params := g.commonParams("alipay.trade.page.pay", string(bizJSON))
	params["notify_url"] = g.NotifyURL
	params["return_url"] = g.ReturnURL
	sig, err := g.sign(params)
	if err != nil {
		return initiateFailed("alipay signing failed: %v", err)
	}
	params["sign"] = sig

	return InitiateResult{
		OK:          true,
		RedirectURL: g.GatewayURL + "?" + encodeParams(params),
	}
}

func (g *AlipayGateway) ClaimedOrderID(n Notification) string {
	form, err := url.ParseQuery(string(n.Body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(form.Get("out_trade_no"))
}

func (g *AlipayGateway) VerifyCallback(ctx context.Context, n Notification) VerifyResult {
	_ = ctx
	form, err := url.ParseQuery(string(n.Body))
	if err != nil {
		return verifyFailed("alipay notification is not form encoded: %v", err)
	}
	params := formToMap(form)

	if err := g.verify(params); err != nil {
		return verifyFailed("%v", err)
	}
	if appID := params["app_id"]; appID != "" && appID != g.AppID {
		return verifyFailed("alipay notification app_id %q does not match", appID)
	}

	res, err := alipayTradeResult(params["out_trade_no"], params["trade_no"], params["trade_status"], params["total_amount"], params["gmt_payment"])
	if err != nil {
		return verifyFailed("%v", err)
	}
	res.EventID = params["notify_id"]
	return res
}

func (g *AlipayGateway) QueryOrder(ctx context.Context, order Order) VerifyResult {
	if err := g.configError(); err != nil {
		return verifyFailed("%v", err)
	}
	if g.publicKey == nil {
		return verifyFailed("ALIPAY_PUBLIC_KEY is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	bizJSON, _ := json.Marshal(map[string]string{"out_trade_no": order.ID})
	params := g.commonParams("alipay.trade.query", string(bizJSON))
	sig, err := g.sign(params)
	if err != nil {
		return verifyFailed("alipay signing failed: %v", err)
	}
	params["sign"] = sig

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.GatewayURL, strings.NewReader(encodeParams(params)))
	if err != nil {
		return verifyFailed("alipay query request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return verifyFailed("alipay query failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return verifyFailed("alipay query failed: status=%d", resp.StatusCode)
	}
	return g.parseQueryResponse(body)
}

func (g *AlipayGateway) parseQueryResponse(body []byte) VerifyResult {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return verifyFailed("alipay query response is not JSON: %v", err)
	}
	raw, ok := envelope["alipay_trade_query_response"]
	if !ok {
		return verifyFailed("alipay query response missing payload")
	}
	var sig string
	if err := json.Unmarshal(envelope["sign"], &sig); err != nil || sig == "" {
		return verifyFailed("alipay query response missing sign")
	}
	// The signature covers the raw response object exactly as sent.
	if err := g.verifyRaw(raw, sig); err != nil {
		return verifyFailed("%v", err)
	}

	var out struct {
		Code        string `json:"code"`
		Msg         string `json:"msg"`
		SubCode     string `json:"sub_code"`
		SubMsg      string `json:"sub_msg"`
		OutTradeNo  string `json:"out_trade_no"`
		TradeNo     string `json:"trade_no"`
		TradeStatus string `json:"trade_status"`
		TotalAmount string `json:"total_amount"`
		SendPayDate string `json:"send_pay_date"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return verifyFailed("alipay query payload: %v", err)
	}
	if out.Code != "10000" {
		if out.SubCode == "ACQ.TRADE_NOT_EXIST" {
			return VerifyResult{OK: true, Outcome: OutcomePending, OrderID: out.OutTradeNo}
		}
		return verifyFailed("alipay query rejected: %s %s", out.SubCode, out.SubMsg)
	}
	res, err := alipayTradeResult(out.OutTradeNo, out.TradeNo, out.TradeStatus, out.TotalAmount, out.SendPayDate)
	if err != nil {
		return verifyFailed("%v", err)
	}
	return res
}

func (g *AlipayGateway) Ack(success bool, message string) Ack {
	_ = message
	body := "failure"
	if success {
		body = "success"
	}
	return Ack{ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}

func (g *AlipayGateway) commonParams(method, bizContent string) map[string]string {
	return map[string]string{
		"app_id":      g.AppID,
		"method":      method,
		"format":      "JSON",
		"charset":     "utf-8",
		"sign_type":   "RSA2",
		"timestamp":   g.now().In(shanghai).Format(alipayTimeLayout),
		"version":     "1.0",
		"biz_content": bizContent,
	}
}

func (g *AlipayGateway) sign(params map[string]string) (string, error) {
	digest := sha256.Sum256([]byte(canonicalString(params, "sign")))
	sig, err := rsa.SignPKCS1v15(rand.Reader, g.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (g *AlipayGateway) verify(params map[string]string) error {
	sig := strings.TrimSpace(params["sign"])
	if sig == "" {
		return errors.New("alipay notification missing sign")
	}
	if g.publicKey == nil {
		return errors.New("ALIPAY_PUBLIC_KEY is not configured")
	}
	return g.verifyRaw([]byte(canonicalString(params, "sign", "sign_type")), sig)
}

func (g *AlipayGateway) verifyRaw(content []byte, sig string) error {
	decoded, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return errors.New("alipay signature is not valid base64")
	}
	digest := sha256.Sum256(content)
	if err := rsa.VerifyPKCS1v15(g.publicKey, crypto.SHA256, digest[:], decoded); err != nil {
		return errors.New("alipay signature mismatch")
	}
	return nil
}

func alipayTradeResult(orderID, tradeNo, status, totalAmount, paidAt string) (VerifyResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return VerifyResult{}, errors.New("alipay payload missing out_trade_no")
	}

	res := VerifyResult{
		OK:              true,
		OrderID:         orderID,
		NetworkOrderRef: strings.TrimSpace(tradeNo),
	}
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		res.Outcome = OutcomePaid
	case "TRADE_CLOSED":
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomePending
	}

	if totalAmount != "" {
		amount, err := parseYuan(totalAmount)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("alipay total_amount: %w", err)
		}
		res.AmountMinorUnits = amount
	}
	if paidAt != "" {
		if t, err := time.ParseInLocation(alipayTimeLayout, paidAt, shanghai); err == nil {
			res.PaidAt = &t
		}
	}
	if res.Outcome == OutcomePaid && res.NetworkOrderRef == "" {
		return VerifyResult{}, errors.New("alipay payload missing trade_no")
	}
	return res, nil
}

func pemBlock(key, kind string) []byte {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "-----BEGIN") {
		return []byte(key)
	}
	return []byte("-----BEGIN " + kind + "-----\n" + key + "\n-----END " + kind + "-----\n")
}

func parseRSAPrivateKey(key string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBlock(key, "PRIVATE KEY"))
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return k, nil
}

func parseRSAPublicKey(key string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBlock(key, "PUBLIC KEY"))
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if k, err1 := x509.ParsePKCS1PublicKey(block.Bytes); err1 == nil {
			return k, nil
		}
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	k, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return k, nil
}
