package handler_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Adrian-Rewaj/invoices-poc/internal/api/handler"
	"github.com/Adrian-Rewaj/invoices-poc/internal/api/router"
	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage/models"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage/mqtest"
	"github.com/Adrian-Rewaj/invoices-poc/internal/types"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSignature = "secret-signature"

type apiFixture struct {
	engine *server.Hertz
	db     *storage.Database
	store  *storage.InvoiceStore
	broker *mqtest.Broker
	pdfs   *storage.FSPDFStore
	client *models.Client
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := storage.NewDatabase(&config.DatabaseConfig{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "api.db"),
		LogLevel:    1,
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client := &models.Client{Name: "ACME Sp. z o.o.", Email: "a@b.com", NIP: "5250000000"}
	require.NoError(t, db.DB().Create(client).Error)

	cfg := config.Default()
	store := storage.NewInvoiceStore(db.DB())
	broker := mqtest.NewBroker()
	pdfs, err := storage.NewFSPDFStore(t.TempDir())
	require.NoError(t, err)

	h := server.New(server.WithHostPorts("127.0.0.1:0"))
	router.RegisterRoutes(h, handler.NewInvoiceHandler(cfg, store, broker, handler.WithPDFReader(pdfs)), testSignature)
	return &apiFixture{engine: h, db: db, store: store, broker: broker, pdfs: pdfs, client: client}
}

func (f *apiFixture) do(method, path, body string, headers ...ut.Header) *ut.ResponseRecorder {
	b := bytes.NewBufferString(body)
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	return ut.PerformRequest(f.engine.Engine, method, path, &ut.Body{Body: b, Len: b.Len()}, headers...)
}

func decode(t *testing.T, w *ut.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Result().Body(), &out))
	return out
}

func TestCreateInvoicePublishesCreatedEvent(t *testing.T) {
	f := newAPIFixture(t)
	body := fmt.Sprintf(`{"clientId":%d,"userId":1,"items":[{"name":"X","quantity":2,"unitPrice":10.00}]}`, f.client.ID)

	w := f.do("POST", "/api/invoices", body)
	require.Equal(t, consts.StatusCreated, w.Result().StatusCode(), string(w.Result().Body()))
	resp := decode(t, w)
	assert.Equal(t, models.StatusDraft, resp["status"])
	assert.NotEmpty(t, resp["payToken"])

	msgs := f.broker.Messages("invoice.created")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Persistent)
	assert.Equal(t, "invoices", msgs[0].Exchange)

	ev, err := types.DecodeCreatedEvent(msgs[0].Body)
	require.NoError(t, err)
	id, err := ev.ResolveInvoiceID()
	require.NoError(t, err)
	assert.Equal(t, int64(resp["id"].(float64)), id)
	assert.Equal(t, resp["invoiceNumber"], ev.InvoiceNumber)
	assert.Equal(t, "a@b.com", ev.ClientEmail())
	assert.Equal(t, resp["payToken"], ev.PayToken)
	require.NotNil(t, ev.Data)
	assert.Equal(t, "20.00", ev.Data.Subtotal.StringFixed(2))
	assert.Equal(t, "4.60", ev.Data.VATAmount.StringFixed(2))
	assert.Equal(t, "24.60", ev.Data.Total.StringFixed(2))
	assert.Equal(t, "20.00", ev.Data.Items[0].Total.StringFixed(2))
	assert.Equal(t, "PLN", ev.Data.Currency)
	assert.Equal(t, "30 dni", ev.Data.PaymentTerms)

	inv, err := f.store.GetInvoice(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, inv.Status)
}

func TestCreateInvoiceValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do("POST", "/api/invoices", `{"items":[]}`)
	assert.Equal(t, consts.StatusBadRequest, w.Result().StatusCode())

	w = f.do("POST", "/api/invoices", `not json`)
	assert.Equal(t, consts.StatusBadRequest, w.Result().StatusCode())

	w = f.do("POST", "/api/invoices", `{"clientId":9999}`)
	assert.Equal(t, consts.StatusNotFound, w.Result().StatusCode())

	assert.Zero(t, f.broker.Len("invoice.created"))
}

func TestCreateInvoicePublishFailureKeepsDraft(t *testing.T) {
	f := newAPIFixture(t)
	f.broker.PublishErr = errors.New("channel closed")

	w := f.do("POST", "/api/invoices", fmt.Sprintf(`{"clientId":%d}`, f.client.ID))
	require.Equal(t, consts.StatusBadGateway, w.Result().StatusCode())
	id := int64(decode(t, w)["id"].(float64))

	inv, err := f.store.GetInvoice(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, inv.Status)
}

func TestGetInvoice(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("POST", "/api/invoices", fmt.Sprintf(`{"clientId":%d}`, f.client.ID))
	require.Equal(t, consts.StatusCreated, w.Result().StatusCode())
	id := int64(decode(t, w)["id"].(float64))
	require.NoError(t, f.store.UpdateInvoice(t.Context(), id, storage.InvoiceUpdate{Status: models.StatusGenerated, PDFFileName: "faktura-x.pdf"}))

	w = f.do("GET", fmt.Sprintf("/api/invoices/%d", id), "")
	require.Equal(t, consts.StatusOK, w.Result().StatusCode())
	resp := decode(t, w)
	assert.Equal(t, models.StatusGenerated, resp["status"])
	assert.Equal(t, "faktura-x.pdf", resp["pdfFileName"])

	assert.Equal(t, consts.StatusNotFound, f.do("GET", "/api/invoices/424242", "").Result().StatusCode())
	assert.Equal(t, consts.StatusBadRequest, f.do("GET", "/api/invoices/abc", "").Result().StatusCode())
}

func TestGetInvoicePDF(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("POST", "/api/invoices", fmt.Sprintf(`{"clientId":%d}`, f.client.ID))
	require.Equal(t, consts.StatusCreated, w.Result().StatusCode())
	id := int64(decode(t, w)["id"].(float64))
	path := fmt.Sprintf("/api/invoices/%d/pdf", id)

	// 草稿还没有 PDF
	w = f.do("GET", path, "")
	require.Equal(t, consts.StatusNotFound, w.Result().StatusCode())
	assert.Equal(t, models.StatusDraft, decode(t, w)["status"])

	// 记录了文件名但共享目录里没有文件
	const name = "faktura-FV_2024_0001.pdf"
	require.NoError(t, f.store.UpdateInvoice(t.Context(), id, storage.InvoiceUpdate{Status: models.StatusGenerated, PDFFileName: name}))
	assert.Equal(t, consts.StatusNotFound, f.do("GET", path, "").Result().StatusCode())

	require.NoError(t, os.WriteFile(f.pdfs.Path(name), []byte("%PDF-1.3 test"), 0o644))
	w = f.do("GET", path, "")
	require.Equal(t, consts.StatusOK, w.Result().StatusCode())
	assert.Equal(t, "application/pdf", string(w.Result().Header.ContentType()))
	assert.Contains(t, string(w.Result().Header.Peek("Content-Disposition")), name)
	assert.Equal(t, "%PDF-1.3 test", string(w.Result().Body()))

	assert.Equal(t, consts.StatusNotFound, f.do("GET", "/api/invoices/424242/pdf", "").Result().StatusCode())
}

func TestPaymentWebhook(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("POST", "/api/invoices", fmt.Sprintf(`{"clientId":%d}`, f.client.ID))
	require.Equal(t, consts.StatusCreated, w.Result().StatusCode())
	id := int64(decode(t, w)["id"].(float64))
	sig := ut.Header{Key: router.SignatureHeader, Value: testSignature}

	t.Run("缺少签名", func(t *testing.T) {
		w := f.do("POST", "/api/payments/webhook", fmt.Sprintf(`{"invoiceId":%d,"status":"paid"}`, id))
		assert.Equal(t, consts.StatusUnauthorized, w.Result().StatusCode())
	})

	t.Run("签名错误", func(t *testing.T) {
		w := f.do("POST", "/api/payments/webhook", fmt.Sprintf(`{"invoiceId":%d,"status":"paid"}`, id),
			ut.Header{Key: router.SignatureHeader, Value: "wrong"})
		assert.Equal(t, consts.StatusUnauthorized, w.Result().StatusCode())
	})

	t.Run("缺少字段", func(t *testing.T) {
		w := f.do("POST", "/api/payments/webhook", `{"status":"paid"}`, sig)
		assert.Equal(t, consts.StatusBadRequest, w.Result().StatusCode())
	})

	t.Run("其他状态被忽略", func(t *testing.T) {
		w := f.do("POST", "/api/payments/webhook", fmt.Sprintf(`{"invoiceId":%d,"status":"failed"}`, id), sig)
		assert.Equal(t, consts.StatusOK, w.Result().StatusCode())
		inv, err := f.store.GetInvoice(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDraft, inv.Status)
	})

	t.Run("未知发票", func(t *testing.T) {
		w := f.do("POST", "/api/payments/webhook", `{"invoiceId":424242,"status":"paid"}`, sig)
		assert.Equal(t, consts.StatusNotFound, w.Result().StatusCode())
	})

	t.Run("已支付", func(t *testing.T) {
		w := f.do("POST", "/api/payments/webhook", fmt.Sprintf(`{"invoiceId":%d,"status":"paid"}`, id), sig)
		require.Equal(t, consts.StatusOK, w.Result().StatusCode())
		inv, err := f.store.GetInvoice(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPaid, inv.Status)
	})
}

func TestWebhookRejectsWhenSignatureUnset(t *testing.T) {
	h := server.New(server.WithHostPorts("127.0.0.1:0"))
	router.RegisterRoutes(h, handler.NewInvoiceHandler(config.Default(), nil, nil), "")

	b := bytes.NewBufferString(`{"invoiceId":1,"status":"paid"}`)
	w := ut.PerformRequest(h.Engine, "POST", "/api/payments/webhook", &ut.Body{Body: b, Len: b.Len()},
		ut.Header{Key: router.SignatureHeader, Value: ""})
	assert.Equal(t, consts.StatusUnauthorized, w.Result().StatusCode())
}
