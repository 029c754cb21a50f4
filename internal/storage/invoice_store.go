package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage/models"
	"github.com/Adrian-Rewaj/invoices-poc/internal/tracing"

	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvoiceNotFound 按 id 更新或查询的发票不存在
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrClientNotFound 创建发票时引用的客户不存在
	ErrClientNotFound = errors.New("client not found")
	// ErrInvalidStatus 未知的发票状态
	ErrInvalidStatus = errors.New("invalid invoice status")
)

// InvoiceUpdate 针对单张发票的部分字段更新，空字段不写
type InvoiceUpdate struct {
	Status      string
	PDFFileName string
}

// InvoiceStore 流水线和 web 端共享的发票表访问层
type InvoiceStore struct {
	db *gorm.DB
}

// NewInvoiceStore 创建发票存储
func NewInvoiceStore(db *gorm.DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

// UpdateInvoice 按主键做定向更新。
// id 不存在时返回 ErrInvoiceNotFound；相同值重复调用是幂等的；
// 状态只会前进（draft < generated < sent < paid），较旧的状态会被忽略，文件名仍然写入。
func (s *InvoiceStore) UpdateInvoice(ctx context.Context, id int64, upd InvoiceUpdate) error {
	ctx, span := dbTracer.Start(ctx, "InvoiceStore.UpdateInvoice",
		trace.WithAttributes(
			tracing.InvoiceIDKey.Int64(id),
			tracing.InvoiceStatusKey.String(upd.Status),
		))
	defer span.End()

	newRank := -1
	if upd.Status != "" {
		r, ok := models.StatusRank(upd.Status)
		if !ok {
			err := fmt.Errorf("%w: %q", ErrInvalidStatus, upd.Status)
			tracing.RecordError(span, err, tracing.ErrorTypeValidation)
			return err
		}
		newRank = r
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Invoice
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "status", "pdfFileName").
			First(&current, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id=%d", ErrInvoiceNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("查询发票 %d 失败: %w", id, err)
		}

		fields := map[string]interface{}{}
		if upd.PDFFileName != "" {
			fields["pdfFileName"] = upd.PDFFileName
		}
		if newRank >= 0 {
			curRank, known := models.StatusRank(current.Status)
			switch {
			case !known:
				logger.FromContext(ctx).Warn().Str("current", current.Status).Str("requested", upd.Status).
					Msg("发票处于未知状态，跳过状态更新")
			case newRank > curRank:
				fields["status"] = upd.Status
			case newRank < curRank:
				logger.FromContext(ctx).Info().Str("current", current.Status).Str("requested", upd.Status).
					Msg("发票状态已更靠后，忽略回退")
			}
		}
		if len(fields) == 0 {
			return nil
		}

		if err := tx.Model(&models.Invoice{}).Where("id = ?", id).Updates(fields).Error; err != nil {
			return fmt.Errorf("更新发票 %d 失败: %w", id, err)
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeDB)
	}
	return err
}

// GetInvoice 按 id 读取发票及其客户
func (s *InvoiceStore) GetInvoice(ctx context.Context, id int64) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.WithContext(ctx).Preload("Client").First(&inv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id=%d", ErrInvoiceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("查询发票 %d 失败: %w", id, err)
	}
	return &inv, nil
}

// GetClient 按 id 读取客户
func (s *InvoiceStore) GetClient(ctx context.Context, id int64) (*models.Client, error) {
	var c models.Client
	err := s.db.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id=%d", ErrClientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("查询客户 %d 失败: %w", id, err)
	}
	return &c, nil
}

// CreateDraft 分配下一个 FV/<年>/<序号> 发票号并插入草稿。
// 并发创建撞上唯一索引时重新分配，最多重试 3 次。
func (s *InvoiceStore) CreateDraft(ctx context.Context, inv *models.Invoice) error {
	inv.Status = models.StatusDraft
	if inv.IssueDate.IsZero() {
		inv.IssueDate = time.Now().UTC()
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		number, err := s.nextInvoiceNumber(ctx, inv.IssueDate.Year())
		if err != nil {
			return err
		}
		inv.InvoiceNumber = number
		inv.ID = 0

		lastErr = s.db.WithContext(ctx).Omit("Client").Create(inv).Error
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, gorm.ErrDuplicatedKey) && !isUniqueViolation(lastErr) {
			return fmt.Errorf("插入发票草稿失败: %w", lastErr)
		}
		logger.FromContext(ctx).Warn().Str("invoice_number", number).Int("attempt", attempt+1).Msg("发票号冲突，重新分配")
	}
	return fmt.Errorf("插入发票草稿失败: %w", lastErr)
}

func (s *InvoiceStore) nextInvoiceNumber(ctx context.Context, year int) (string, error) {
	prefix := fmt.Sprintf("FV/%d/", year)
	var last models.Invoice
	err := s.db.WithContext(ctx).
		Select("invoiceNumber").
		Where(clause.Like{Column: clause.Column{Name: "invoiceNumber"}, Value: prefix + "%"}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "invoiceNumber"}, Desc: true}).
		First(&last).Error
	next := 1
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return "", fmt.Errorf("查询最新发票号失败: %w", err)
	default:
		if n, convErr := strconv.Atoi(strings.TrimPrefix(last.InvoiceNumber, prefix)); convErr == nil {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s%04d", prefix, next), nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
