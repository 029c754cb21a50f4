package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage/models"
	"github.com/Adrian-Rewaj/invoices-poc/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	defaultPaymentTerms = "30 dni"
	defaultNotes        = "Dziękujemy za zaufanie"
	paymentDays         = 30
)

// InvoiceStore 处理器需要的发票存储操作，*storage.InvoiceStore 满足该接口
type InvoiceStore interface {
	CreateDraft(ctx context.Context, inv *models.Invoice) error
	GetInvoice(ctx context.Context, id int64) (*models.Invoice, error)
	GetClient(ctx context.Context, id int64) (*models.Client, error)
	UpdateInvoice(ctx context.Context, id int64, upd storage.InvoiceUpdate) error
}

// Publisher 发布 invoice.created
type Publisher interface {
	PublishMessage(ctx context.Context, exchangeName, routingKey string, message []byte, persistent bool) error
}

// PDFReader 读取已生成的 PDF，storage.PDFStore 满足该接口
type PDFReader interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// CreateInvoiceRequest POST /api/invoices 请求体
type CreateInvoiceRequest struct {
	ClientID int64            `json:"clientId" validate:"required,gt=0"`
	UserID   int64            `json:"userId" validate:"gte=0"`
	Items    []types.LineItem `json:"items" validate:"dive"`
	Notes    *string          `json:"notes,omitempty"`
}

// PaymentWebhookRequest 支付回调请求体
type PaymentWebhookRequest struct {
	InvoiceID int64  `json:"invoiceId" validate:"required,gt=0"`
	Status    string `json:"status" validate:"required"`
}

// InvoiceHandler 生产者 API：创建发票并发布 invoice.created，接收支付回调
type InvoiceHandler struct {
	store      InvoiceStore
	publisher  Publisher
	exchange   string
	createdKey string
	vatRate    decimal.Decimal
	currency   string
	pdfs       PDFReader
	now        func() time.Time
	log        zerolog.Logger
}

// Option 处理器选项
type Option func(*InvoiceHandler)

// WithPDFReader 启用 GET /api/invoices/:id/pdf
func WithPDFReader(r PDFReader) Option {
	return func(h *InvoiceHandler) { h.pdfs = r }
}

// NewInvoiceHandler 创建处理器
func NewInvoiceHandler(cfg *config.Config, store InvoiceStore, publisher Publisher, opts ...Option) *InvoiceHandler {
	h := &InvoiceHandler{
		store:      store,
		publisher:  publisher,
		exchange:   cfg.RabbitMQ.Exchange,
		createdKey: cfg.RabbitMQ.CreatedQueue,
		vatRate:    decimal.NewFromFloat(cfg.Render.DefaultVAT),
		currency:   cfg.Render.Currency,
		now:        time.Now,
		log:        logger.Component("invoice-api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateInvoice 写入草稿后发布事件。发布失败时草稿保留，返回 502 和发票 id。
func (h *InvoiceHandler) CreateInvoice(ctx context.Context, c *app.RequestContext) {
	var req CreateInvoiceRequest
	if err := json.Unmarshal(c.GetRawData(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体不是有效的JSON"})
		return
	}
	if err := types.ValidateStruct(&req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}

	client, err := h.store.GetClient(ctx, req.ClientID)
	if errors.Is(err, storage.ErrClientNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "客户不存在"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("client_id", req.ClientID).Msg("查询客户失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "内部错误"})
		return
	}

	data := h.buildData(req)
	raw, err := json.Marshal(data)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "内部错误"})
		return
	}

	issued := h.now()
	inv := &models.Invoice{
		ClientID:  client.ID,
		UserID:    req.UserID,
		IssueDate: issued,
		DueDate:   issued.AddDate(0, 0, paymentDays),
		Data:      datatypes.JSON(raw),
		PayToken:  uuid.NewString(),
	}
	if err := h.store.CreateDraft(ctx, inv); err != nil {
		h.log.Error().Err(err).Int64("client_id", req.ClientID).Msg("创建发票失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "创建发票失败"})
		return
	}
	log := logger.FromContext(logger.WithInvoice(h.log.WithContext(ctx), inv.ID))

	body, err := json.Marshal(createdEvent(inv, client, data))
	if err == nil {
		err = h.publisher.PublishMessage(ctx, h.exchange, h.createdKey, body, true)
	}
	if err != nil {
		log.Error().Err(err).Msg("发布invoice.created失败，发票保持草稿状态")
		c.JSON(consts.StatusBadGateway, utils.H{"error": "发票已创建但事件发布失败", "id": inv.ID})
		return
	}

	log.Info().Str("invoice_number", inv.InvoiceNumber).Msg("发票已创建")
	c.JSON(consts.StatusCreated, utils.H{
		"id":            inv.ID,
		"invoiceNumber": inv.InvoiceNumber,
		"status":        inv.Status,
		"payToken":      inv.PayToken,
	})
}

// loadInvoice 解析路径中的 id 并查询发票，失败时已写好响应
func (h *InvoiceHandler) loadInvoice(ctx context.Context, c *app.RequestContext) (*models.Invoice, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "无效的发票id"})
		return nil, false
	}
	inv, err := h.store.GetInvoice(ctx, id)
	if errors.Is(err, storage.ErrInvoiceNotFound) {
		c.JSON(consts.StatusNotFound, utils.H{"error": "发票不存在"})
		return nil, false
	}
	if err != nil {
		h.log.Error().Err(err).Int64("invoice_id", id).Msg("查询发票失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "内部错误"})
		return nil, false
	}
	return inv, true
}

// GetInvoice 返回发票状态，便于排查卡住的发票
func (h *InvoiceHandler) GetInvoice(ctx context.Context, c *app.RequestContext) {
	inv, ok := h.loadInvoice(ctx, c)
	if !ok {
		return
	}
	resp := utils.H{
		"id":            inv.ID,
		"invoiceNumber": inv.InvoiceNumber,
		"status":        inv.Status,
		"pdfFileName":   inv.PDFFileName,
		"issueDate":     inv.IssueDate,
		"dueDate":       inv.DueDate,
	}
	if inv.Client != nil {
		resp["client"] = inv.Client
	}
	c.JSON(consts.StatusOK, resp)
}

// GetInvoicePDF 下载已生成的 PDF。还没渲染或文件缺失时返回 404。
func (h *InvoiceHandler) GetInvoicePDF(ctx context.Context, c *app.RequestContext) {
	if h.pdfs == nil {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"error": "未配置 PDF 存储"})
		return
	}
	inv, ok := h.loadInvoice(ctx, c)
	if !ok {
		return
	}
	if inv.PDFFileName == nil || *inv.PDFFileName == "" {
		c.JSON(consts.StatusNotFound, utils.H{"error": "PDF 尚未生成", "status": inv.Status})
		return
	}
	pdfFileName := *inv.PDFFileName

	data, err := h.pdfs.Get(ctx, pdfFileName)
	if errors.Is(err, storage.ErrPDFNotFound) || errors.Is(err, storage.ErrInvalidPDFName) {
		h.log.Warn().Err(err).Int64("invoice_id", inv.ID).Str("pdf_file", pdfFileName).Msg("发票记录的 PDF 在存储中不存在")
		c.JSON(consts.StatusNotFound, utils.H{"error": "PDF 文件不存在"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("invoice_id", inv.ID).Msg("读取 PDF 失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "内部错误"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, pdfFileName))
	c.Data(consts.StatusOK, "application/pdf", data)
}

// PaymentWebhook 签名由路由上的 keyauth 中间件校验。只有 paid 会改变状态。
func (h *InvoiceHandler) PaymentWebhook(ctx context.Context, c *app.RequestContext) {
	var req PaymentWebhookRequest
	if err := json.Unmarshal(c.GetRawData(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "Invalid JSON"})
		return
	}
	if err := types.ValidateStruct(&req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "Missing invoiceId or status"})
		return
	}

	if req.Status == models.StatusPaid {
		err := h.store.UpdateInvoice(ctx, req.InvoiceID, storage.InvoiceUpdate{Status: models.StatusPaid})
		if errors.Is(err, storage.ErrInvoiceNotFound) {
			c.JSON(consts.StatusNotFound, utils.H{"error": "发票不存在"})
			return
		}
		if err != nil {
			h.log.Error().Err(err).Int64("invoice_id", req.InvoiceID).Msg("更新支付状态失败")
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "内部错误"})
			return
		}
		h.log.Info().Int64("invoice_id", req.InvoiceID).Msg("发票已支付")
	}
	c.JSON(consts.StatusOK, utils.H{"ok": true})
}

// buildData 计算行金额与合计，金额保留两位小数
func (h *InvoiceHandler) buildData(req CreateInvoiceRequest) types.InvoiceData {
	hundred := decimal.NewFromInt(100)
	items := make([]types.LineItem, len(req.Items))
	subtotal := decimal.Zero
	for i, it := range req.Items {
		if it.Total.IsZero() {
			it.Total = it.Quantity.Mul(it.UnitPrice)
		}
		it.Total = it.Total.Round(2)
		subtotal = subtotal.Add(it.Total)
		items[i] = it
	}
	vat := subtotal.Mul(h.vatRate).Div(hundred).Round(2)

	notes := defaultNotes
	if req.Notes != nil {
		notes = *req.Notes
	}
	return types.InvoiceData{
		Items:        items,
		Subtotal:     subtotal.Round(2),
		VATRate:      decimal.NewNullDecimal(h.vatRate),
		VATAmount:    vat,
		Total:        subtotal.Add(vat).Round(2),
		Currency:     h.currency,
		Notes:        notes,
		PaymentTerms: defaultPaymentTerms,
	}
}

func createdEvent(inv *models.Invoice, client *models.Client, data types.InvoiceData) types.InvoiceCreatedEvent {
	id := inv.ID
	return types.InvoiceCreatedEvent{
		InvoiceID:     &id,
		ClientID:      inv.ClientID,
		UserID:        inv.UserID,
		InvoiceNumber: inv.InvoiceNumber,
		IssueDate:     &types.EventDate{Time: inv.IssueDate},
		DueDate:       &types.EventDate{Time: inv.DueDate},
		Data:          &data,
		Client: &types.ClientInfo{
			ID:    client.ID,
			Name:  client.Name,
			Email: client.Email,
			NIP:   client.NIP,
		},
		PayToken: inv.PayToken,
	}
}
