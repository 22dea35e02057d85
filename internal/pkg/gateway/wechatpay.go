package gateway

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/ManuelReschke/PopGraph/app/models"
	"github.com/ManuelReschke/PopGraph/internal/pkg/env"
)

const (
	defaultWechatAPIBaseURL = "https://api.mch.weixin.qq.com"
	wechatAuthScheme        = "WECHATPAY2-HMAC-SHA256"
	wechatKeyInfo           = "wechatpay-hmac-v1"
	wechatClockSkew         = 5 * time.Minute

	headerWechatTimestamp = "Wechatpay-Timestamp"
	headerWechatNonce     = "Wechatpay-Nonce"
	headerWechatSignature = "Wechatpay-Signature"
	headerWechatSerial    = "Wechatpay-Serial"
)

// WechatPayGateway signs canonical requests with HMAC-SHA256 under a key
// derived per UTC date from the API v3 key. Notification resources are
// AES-256-GCM encrypted with the API v3 key itself.
type WechatPayGateway struct {
	AppID      string
	MchID      string
	SerialNo   string
	BaseURL    string
	NotifyURL  string
	Timeout    time.Duration
	HTTPClient *http.Client

	apiV3Key []byte
	now      func() time.Time
	nonce    func() string
}

func NewWechatPayGatewayFromEnv() *WechatPayGateway {
	return NewWechatPayGateway(
		strings.TrimSpace(env.GetEnv("WECHAT_APP_ID", "")),
		strings.TrimSpace(env.GetEnv("WECHAT_MCH_ID", "")),
		strings.TrimSpace(env.GetEnv("WECHAT_SERIAL_NO", "")),
		env.GetEnv("WECHAT_API_V3_KEY", ""),
		strings.TrimSpace(env.GetEnv("WECHAT_API_BASE_URL", defaultWechatAPIBaseURL)),
		callbackURL(models.PaymentMethodWechat),
		timeoutFromEnv(),
	)
}

func NewWechatPayGateway(appID, mchID, serialNo, apiV3Key, baseURL, notifyURL string, timeout time.Duration) *WechatPayGateway {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WechatPayGateway{
		AppID:      appID,
		MchID:      mchID,
		SerialNo:   serialNo,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		NotifyURL:  notifyURL,
		Timeout:    timeout,
		HTTPClient: newHTTPClient(timeout),
		apiV3Key:   []byte(apiV3Key),
		now:        time.Now,
		nonce: func() string {
			return strings.ReplaceAll(uuid.New().String(), "-", "")
		},
	}
}

func (g *WechatPayGateway) Method() string {
	return models.PaymentMethodWechat
}

func (g *WechatPayGateway) keyError() error {
	if len(g.apiV3Key) == 0 {
		return errors.New("WECHAT_API_V3_KEY is not configured")
	}
	if len(g.apiV3Key) != 32 {
		return errors.New("WECHAT_API_V3_KEY must be 32 bytes")
	}
	return nil
}

func (g *WechatPayGateway) configError() error {
	if g.AppID == "" || g.MchID == "" {
		return errors.New("WECHAT_APP_ID/WECHAT_MCH_ID are not configured")
	}
	return g.keyError()
}

func (g *WechatPayGateway) Initiate(ctx context.Context, order Order) InitiateResult {
	if err := g.configError(); err != nil {
		return initiateFailed("%v", err)
	}

	payload := map[string]any{
		"appid":        g.AppID,
		"mchid":        g.MchID,
		"description":  order.Subject,
		"out_trade_no": order.ID,
		"notify_url":   g.NotifyURL,
		"amount": map[string]any{
			"total":    order.AmountMinorUnits,
			"currency": models.OrderCurrencyCNY,
		},
	}
	if !order.ExpiresAt.IsZero() {
		payload["time_expire"] = order.ExpiresAt.In(shanghai).Format(time.RFC3339)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return initiateFailed("wechat request encoding failed: %v", err)
	}

	status, respBody, err := g.do(ctx, http.MethodPost, "/v3/pay/transactions/native", body)
	if err != nil {
		return initiateFailed("wechat native order failed: %v", err)
	}
	if status < 200 || status >= 300 {
		return initiateFailed("wechat native order failed: status=%d body=%s", status, string(respBody))
	}

	var out struct {
		CodeURL string `json:"code_url"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil || out.CodeURL == "" {
		return initiateFailed("wechat native order returned no code_url")
	}
	return InitiateResult{OK: true, QRPayload: out.CodeURL}
}

// ClaimedOrderID is empty for WeChat Pay: the order id only exists inside the
// encrypted resource.
func (g *WechatPayGateway) ClaimedOrderID(n Notification) string {
	_ = n
	return ""
}

func (g *WechatPayGateway) VerifyCallback(ctx context.Context, n Notification) VerifyResult {
	_ = ctx
	if err := g.keyError(); err != nil {
		return verifyFailed("%v", err)
	}
	if err := g.verifySignedMessage(n.Header, n.Body); err != nil {
		return verifyFailed("%v", err)
	}

	var envelope struct {
		ID           string `json:"id"`
		EventType    string `json:"event_type"`
		ResourceType string `json:"resource_type"`
		Resource     struct {
			Algorithm      string `json:"algorithm"`
			Ciphertext     string `json:"ciphertext"`
			Nonce          string `json:"nonce"`
			AssociatedData string `json:"associated_data"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(n.Body, &envelope); err != nil {
		return verifyFailed("wechat notification is not JSON: %v", err)
	}
	if envelope.Resource.Algorithm != "AEAD_AES_256_GCM" {
		return verifyFailed("wechat notification uses unsupported algorithm %q", envelope.Resource.Algorithm)
	}

	plain, err := g.decryptResource(envelope.Resource.Ciphertext, envelope.Resource.Nonce, envelope.Resource.AssociatedData)
	if err != nil {
		return verifyFailed("%v", err)
	}
	res, err := g.transactionResult(plain)
	if err != nil {
		return verifyFailed("%v", err)
	}
	res.EventID = envelope.ID
	return res
}

func (g *WechatPayGateway) QueryOrder(ctx context.Context, order Order) VerifyResult {
	if err := g.configError(); err != nil {
		return verifyFailed("%v", err)
	}

	path := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(order.ID) + "?mchid=" + url.QueryEscape(g.MchID)
	status, body, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return verifyFailed("wechat order query failed: %v", err)
	}
	if status == http.StatusNotFound {
		return VerifyResult{OK: true, Outcome: OutcomePending, OrderID: order.ID}
	}
	if status < 200 || status >= 300 {
		return verifyFailed("wechat order query failed: status=%d body=%s", status, string(body))
	}
	res, err := g.transactionResult(body)
	if err != nil {
		return verifyFailed("%v", err)
	}
	return res
}

func (g *WechatPayGateway) Ack(success bool, message string) Ack {
	ack := map[string]string{"code": "SUCCESS", "message": "成功"}
	if !success {
		if message == "" {
			message = "failed"
		}
		ack = map[string]string{"code": "FAIL", "message": message}
	}
	body, _ := json.Marshal(ack)
	return Ack{ContentType: "application/json", Body: body}
}

// do sends a signed request and verifies the signature of the response.
func (g *WechatPayGateway) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	auth, err := g.authorization(method, path, body)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := g.verifySignedMessage(resp.Header, respBody); err != nil {
			return 0, nil, fmt.Errorf("response %w", err)
		}
	}
	return resp.StatusCode, respBody, nil
}

func (g *WechatPayGateway) authorization(method, path string, body []byte) (string, error) {
	now := g.now()
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := g.nonce()
	msg := method + "\n" + path + "\n" + ts + "\n" + nonce + "\n" + string(body) + "\n"
	sig, err := g.signMessage(now, msg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",timestamp="%s",serial_no="%s",signature="%s"`,
		wechatAuthScheme, g.MchID, nonce, ts, g.SerialNo, sig), nil
}

// verifySignedMessage checks the timestamp/nonce/signature headers against
// the body. Used for notifications and API responses alike.
func (g *WechatPayGateway) verifySignedMessage(header http.Header, body []byte) error {
	ts := strings.TrimSpace(header.Get(headerWechatTimestamp))
	nonce := strings.TrimSpace(header.Get(headerWechatNonce))
	sig := strings.TrimSpace(header.Get(headerWechatSignature))
	if ts == "" || nonce == "" || sig == "" {
		return errors.New("wechat signature headers are missing")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.New("wechat timestamp is malformed")
	}
	signedAt := time.Unix(unix, 0)
	skew := g.now().Sub(signedAt)
	if skew > wechatClockSkew || skew < -wechatClockSkew {
		return errors.New("wechat timestamp outside tolerance")
	}

	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return errors.New("wechat signature is not hex")
	}
	expected, err := g.macMessage(signedAt, ts+"\n"+nonce+"\n"+string(body)+"\n")
	if err != nil {
		return err
	}
	if !hmac.Equal(expected, decoded) {
		return errors.New("wechat signature mismatch")
	}
	return nil
}

func (g *WechatPayGateway) signMessage(at time.Time, msg string) (string, error) {
	mac, err := g.macMessage(at, msg)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(mac), nil
}

func (g *WechatPayGateway) macMessage(at time.Time, msg string) ([]byte, error) {
	key, err := g.dateKey(at)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil), nil
}

// dateKey derives the signing key for the UTC calendar date of at.
func (g *WechatPayGateway) dateKey(at time.Time) ([]byte, error) {
	if err := g.keyError(); err != nil {
		return nil, err
	}
	salt := []byte(at.UTC().Format("20060102"))
	r := hkdf.New(sha256.New, g.apiV3Key, salt, []byte(wechatKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive wechat date key: %w", err)
	}
	return key, nil
}

func (g *WechatPayGateway) decryptResource(ciphertext, nonce, associatedData string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errors.New("wechat resource ciphertext is not base64")
	}
	block, err := aes.NewCipher(g.apiV3Key)
	if err != nil {
		return nil, fmt.Errorf("wechat resource cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wechat resource cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("wechat resource nonce has wrong length")
	}
	plain, err := aead.Open(nil, []byte(nonce), raw, []byte(associatedData))
	if err != nil {
		return nil, errors.New("wechat resource decryption failed")
	}
	return plain, nil
}

func (g *WechatPayGateway) transactionResult(payload []byte) (VerifyResult, error) {
	var tx struct {
		AppID         string `json:"appid"`
		MchID         string `json:"mchid"`
		OutTradeNo    string `json:"out_trade_no"`
		TransactionID string `json:"transaction_id"`
		TradeState    string `json:"trade_state"`
		SuccessTime   string `json:"success_time"`
		Amount        struct {
			Total    int64  `json:"total"`
			Currency string `json:"currency"`
		} `json:"amount"`
	}
	if err := json.Unmarshal(payload, &tx); err != nil {
		return VerifyResult{}, fmt.Errorf("wechat transaction payload: %w", err)
	}
	if tx.MchID != "" && tx.MchID != g.MchID {
		return VerifyResult{}, fmt.Errorf("wechat transaction mchid %q does not match", tx.MchID)
	}
	if strings.TrimSpace(tx.OutTradeNo) == "" {
		return VerifyResult{}, errors.New("wechat transaction missing out_trade_no")
	}

	res := VerifyResult{
		OK:               true,
		OrderID:          strings.TrimSpace(tx.OutTradeNo),
		NetworkOrderRef:  strings.TrimSpace(tx.TransactionID),
		AmountMinorUnits: tx.Amount.Total,
	}
	switch strings.ToUpper(tx.TradeState) {
	case "SUCCESS":
		res.Outcome = OutcomePaid
	case "CLOSED", "PAYERROR", "REVOKED":
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomePending
	}
	if tx.SuccessTime != "" {
		if t, err := time.Parse(time.RFC3339, tx.SuccessTime); err == nil {
			res.PaidAt = &t
		}
	}
	if res.Outcome == OutcomePaid && res.NetworkOrderRef == "" {
		return VerifyResult{}, errors.New("wechat transaction missing transaction_id")
	}
	return res, nil
}
