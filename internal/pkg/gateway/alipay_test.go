package gateway

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alipayFixture struct {
	gateway     *AlipayGateway
	merchantKey *rsa.PrivateKey
	platformKey *rsa.PrivateKey
}

func newAlipayFixture(t *testing.T, gatewayURL string) *alipayFixture {
	t.Helper()

	merchantKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	platformKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(merchantKey)})
	pubDER, err := x509.MarshalPKIXPublicKey(&platformKey.PublicKey)
	require.NoError(t, err)
	// Alipay hands out the public key as bare base64 without PEM armour.
	pubBare := base64.StdEncoding.EncodeToString(pubDER)

	g := NewAlipayGateway("2021000000000001", string(privPEM), pubBare, gatewayURL,
		"https://pay.example.com/api/v1/payment/callback/alipay", "https://pay.example.com/done", 2*time.Second)
	require.NoError(t, g.configError())

	return &alipayFixture{gateway: g, merchantKey: merchantKey, platformKey: platformKey}
}

func rsaSign(t *testing.T, key *rsa.PrivateKey, content string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(content))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func (f *alipayFixture) notification(t *testing.T, params map[string]string) Notification {
	t.Helper()
	params["sign"] = rsaSign(t, f.platformKey, canonicalString(params, "sign", "sign_type"))
	params["sign_type"] = "RSA2"
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return Notification{Body: []byte(values.Encode()), Header: http.Header{}}
}

func paidAlipayParams() map[string]string {
	return map[string]string{
		"app_id":       "2021000000000001",
		"notify_id":    "notify-1",
		"out_trade_no": "0123456789abcdef0123456789abcdef",
		"trade_no":     "2024010122001400000000000001",
		"trade_status": "TRADE_SUCCESS",
		"total_amount": "29.00",
		"gmt_payment":  "2024-01-01 12:00:00",
	}
}

func TestAlipayInitiate(t *testing.T) {
	f := newAlipayFixture(t, alipaySandboxURL)

	res := f.gateway.Initiate(context.Background(), Order{
		ID:               "0123456789abcdef0123456789abcdef",
		AmountMinorUnits: 2900,
		Subject:          "Basic monthly",
		CreatedAt:        time.Now(),
		ExpiresAt:        time.Now().Add(30 * time.Minute),
	})
	require.True(t, res.OK, res.Error)
	assert.Empty(t, res.QRPayload)

	u, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "openapi-sandbox.dl.alipaydev.com", u.Host)

	q := u.Query()
	assert.Equal(t, "alipay.trade.page.pay", q.Get("method"))
	assert.Contains(t, q.Get("biz_content"), `"total_amount":"29.00"`)

	params := formToMap(q)
	digest := sha256.Sum256([]byte(canonicalString(params, "sign")))
	sig, err := base64.StdEncoding.DecodeString(q.Get("sign"))
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(&f.merchantKey.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestAlipayInitiate_NotConfigured(t *testing.T) {
	g := NewAlipayGateway("", "", "", alipaySandboxURL, "", "", 0)
	res := g.Initiate(context.Background(), Order{ID: "x", AmountMinorUnits: 100})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "ALIPAY_APP_ID")
}

func TestAlipayVerifyCallback(t *testing.T) {
	f := newAlipayFixture(t, alipaySandboxURL)

	res := f.gateway.VerifyCallback(context.Background(), f.notification(t, paidAlipayParams()))
	require.True(t, res.OK, res.Error)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", res.OrderID)
	assert.Equal(t, "2024010122001400000000000001", res.NetworkOrderRef)
	assert.Equal(t, int64(2900), res.AmountMinorUnits)
	assert.Equal(t, "notify-1", res.EventID)
	require.NotNil(t, res.PaidAt)
	assert.Equal(t, time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC), res.PaidAt.UTC())
}

func TestAlipayVerifyCallback_Rejections(t *testing.T) {
	f := newAlipayFixture(t, alipaySandboxURL)

	t.Run("tampered amount", func(t *testing.T) {
		n := f.notification(t, paidAlipayParams())
		form, _ := url.ParseQuery(string(n.Body))
		form.Set("total_amount", "0.01")
		n.Body = []byte(form.Encode())
		res := f.gateway.VerifyCallback(context.Background(), n)
		assert.False(t, res.OK)
		assert.Contains(t, res.Error, "mismatch")
	})

	t.Run("missing sign", func(t *testing.T) {
		values := url.Values{}
		for k, v := range paidAlipayParams() {
			values.Set(k, v)
		}
		res := f.gateway.VerifyCallback(context.Background(), Notification{Body: []byte(values.Encode())})
		assert.False(t, res.OK)
		assert.Contains(t, res.Error, "missing sign")
	})

	t.Run("signed by merchant key", func(t *testing.T) {
		params := paidAlipayParams()
		params["sign"] = rsaSign(t, f.merchantKey, canonicalString(params, "sign", "sign_type"))
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		res := f.gateway.VerifyCallback(context.Background(), Notification{Body: []byte(values.Encode())})
		assert.False(t, res.OK)
	})

	t.Run("foreign app id", func(t *testing.T) {
		params := paidAlipayParams()
		params["app_id"] = "someone-else"
		res := f.gateway.VerifyCallback(context.Background(), f.notification(t, params))
		assert.False(t, res.OK)
	})

	t.Run("no public key configured", func(t *testing.T) {
		g := NewAlipayGateway("2021000000000001", "", "", alipaySandboxURL, "", "", 0)
		res := g.VerifyCallback(context.Background(), f.notification(t, paidAlipayParams()))
		assert.False(t, res.OK)
		assert.Contains(t, res.Error, "ALIPAY_PUBLIC_KEY")
	})
}

func TestAlipayVerifyCallback_Outcomes(t *testing.T) {
	f := newAlipayFixture(t, alipaySandboxURL)

	tests := []struct {
		status string
		want   Outcome
	}{
		{status: "TRADE_FINISHED", want: OutcomePaid},
		{status: "TRADE_CLOSED", want: OutcomeFailed},
		{status: "WAIT_BUYER_PAY", want: OutcomePending},
	}
	for _, tt := range tests {
		params := paidAlipayParams()
		params["trade_status"] = tt.status
		res := f.gateway.VerifyCallback(context.Background(), f.notification(t, params))
		require.True(t, res.OK, res.Error)
		assert.Equal(t, tt.want, res.Outcome, tt.status)
	}
}

func TestAlipayClaimedOrderID(t *testing.T) {
	g := NewAlipayGateway("", "", "", alipaySandboxURL, "", "", 0)
	assert.Equal(t, "abc", g.ClaimedOrderID(Notification{Body: []byte("out_trade_no=abc&trade_status=TRADE_SUCCESS")}))
	assert.Equal(t, "", g.ClaimedOrderID(Notification{Body: []byte("%zz")}))
}

func TestAlipayQueryOrder(t *testing.T) {
	var f *alipayFixture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "alipay.trade.query", r.PostForm.Get("method"))

		inner := `{"code":"10000","msg":"Success","out_trade_no":"0123456789abcdef0123456789abcdef","trade_no":"T-1","trade_status":"TRADE_SUCCESS","total_amount":"29.00","send_pay_date":"2024-01-01 12:00:00"}`
		sig := rsaSign(t, f.platformKey, inner)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"alipay_trade_query_response":%s,"sign":"%s"}`, inner, sig)
	}))
	defer srv.Close()
	f = newAlipayFixture(t, srv.URL)

	res := f.gateway.QueryOrder(context.Background(), Order{ID: "0123456789abcdef0123456789abcdef"})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.Equal(t, "T-1", res.NetworkOrderRef)
	assert.Equal(t, int64(2900), res.AmountMinorUnits)
}

func TestAlipayQueryOrder_BadSignature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"alipay_trade_query_response":{"code":"10000","out_trade_no":"x","trade_no":"T","trade_status":"TRADE_SUCCESS"},"sign":"AAAA"}`)
	}))
	defer srv.Close()
	f := newAlipayFixture(t, srv.URL)

	res := f.gateway.QueryOrder(context.Background(), Order{ID: "x"})
	assert.False(t, res.OK)
}

func TestAlipayQueryOrder_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()
	f := newAlipayFixture(t, srv.URL)
	f.gateway.Timeout = 50 * time.Millisecond

	res := f.gateway.QueryOrder(context.Background(), Order{ID: "x"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "alipay query failed")
}

func TestAlipayAck(t *testing.T) {
	g := NewAlipayGateway("", "", "", alipaySandboxURL, "", "", 0)
	assert.Equal(t, "success", string(g.Ack(true, "").Body))
	assert.Equal(t, "failure", string(g.Ack(false, "bad").Body))
}
