package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedPayload 消息体无法解析为事件
	ErrMalformedPayload = errors.New("malformed event payload")
	// ErrMissingInvoiceID 事件中既没有 invoiceId 也没有旧字段 id
	ErrMissingInvoiceID = errors.New("event carries neither invoiceId nor id")
	// ErrInvalidEvent 事件结构校验失败
	ErrInvalidEvent = errors.New("invalid event")
)

var validate = validator.New()

func init() {
	// 金额按 JSON 数字输出，和 web 端的事件保持一致
	decimal.MarshalJSONWithoutQuotes = true
}

// LineItem 发票行
type LineItem struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Total       decimal.Decimal `json:"total"`
}

// InvoiceData 发票明细，缺失的数值字段按 0 处理
type InvoiceData struct {
	Items     []LineItem          `json:"items,omitempty"`
	Subtotal  decimal.Decimal     `json:"subtotal"`
	VATRate   decimal.NullDecimal `json:"vatRate"`
	VATAmount decimal.Decimal     `json:"vatAmount"`
	Total     decimal.Decimal     `json:"total"`
	Currency  string              `json:"currency,omitempty"`
	Notes     string              `json:"notes,omitempty"`
	// PaymentTerms 付款条件，例如 "14 dni"
	PaymentTerms string `json:"paymentTerms,omitempty"`
}

// ClientInfo 买方信息
type ClientInfo struct {
	ID    int64  `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	NIP   string `json:"nip,omitempty"`
}

// EventDate 接受 RFC3339 时间戳或 YYYY-MM-DD 日期
type EventDate struct {
	time.Time
}

func (d *EventDate) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("unrecognised date %q", s)
}

func (d EventDate) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Time.Format(time.RFC3339Nano))
}

// InvoiceCreatedEvent invoice.created 事件。
// 携带渲染所需的全部数据，Stage 1 不需要在渲染前查询数据库。
type InvoiceCreatedEvent struct {
	InvoiceID     *int64       `json:"invoiceId,omitempty"`
	ID            *int64       `json:"id,omitempty"` // 旧版生产者使用的字段
	ClientID      int64        `json:"clientId,omitempty"`
	UserID        int64        `json:"userId,omitempty"`
	InvoiceNumber string       `json:"invoiceNumber,omitempty"`
	IssueDate     *EventDate   `json:"issueDate,omitempty"`
	DueDate       *EventDate   `json:"dueDate,omitempty"`
	Data          *InvoiceData `json:"data,omitempty"`
	Items         []LineItem   `json:"items,omitempty"` // 扁平结构的旧消息
	Client        *ClientInfo  `json:"client,omitempty"`
	PayToken      string       `json:"payToken,omitempty"`
}

// ResolveInvoiceID 先取 invoiceId，再退回旧字段 id；值为 0 视同缺失
func (e *InvoiceCreatedEvent) ResolveInvoiceID() (int64, error) {
	if e.InvoiceID != nil && *e.InvoiceID != 0 {
		return *e.InvoiceID, nil
	}
	if e.ID != nil && *e.ID != 0 {
		return *e.ID, nil
	}
	return 0, ErrMissingInvoiceID
}

// LineItems 返回 data.items，没有时使用顶层 items
func (e *InvoiceCreatedEvent) LineItems() []LineItem {
	if e.Data != nil && len(e.Data.Items) > 0 {
		return e.Data.Items
	}
	return e.Items
}

// ClientEmail 返回买方邮箱，可能为空
func (e *InvoiceCreatedEvent) ClientEmail() string {
	if e.Client == nil {
		return ""
	}
	return strings.TrimSpace(e.Client.Email)
}

// InvoiceSendEvent invoice.send 事件：原事件字段加上生成的 PDF 文件名
type InvoiceSendEvent struct {
	InvoiceCreatedEvent
	PDFFileName string `json:"pdfFileName" validate:"required,excludesall=/\\"`
}

// DecodeCreatedEvent 解析 invoice.created 消息体
func DecodeCreatedEvent(body []byte) (*InvoiceCreatedEvent, error) {
	var ev InvoiceCreatedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &ev, nil
}

// DecodeSendEvent 解析并校验 invoice.send 消息体，文件名不得包含路径分隔符
func DecodeSendEvent(body []byte) (*InvoiceSendEvent, error) {
	var ev InvoiceSendEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(&ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &ev, nil
}

// BuildSendPayload 在原始消息体上追加 pdfFileName，其余字段（包括未知的旧字段）原样保留
func BuildSendPayload(createdBody []byte, pdfFileName string) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(createdBody, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	name, err := json.Marshal(pdfFileName)
	if err != nil {
		return nil, err
	}
	fields["pdfFileName"] = name
	return json.Marshal(fields)
}

// ValidateStruct 使用包内共享的校验器校验任意结构体
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
