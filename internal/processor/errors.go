package processor

import (
	"errors"
	"fmt"
)

// 阶段内的基础错误
var (
	ErrRenderFailed  = errors.New("渲染发票失败")
	ErrStorePDF      = errors.New("保存PDF失败")
	ErrUpdateInvoice = errors.New("更新发票状态失败")
	ErrPublishSend   = errors.New("发布invoice.send失败")
	ErrLoadPDF       = errors.New("读取PDF失败")
	ErrSendMail      = errors.New("发送邮件失败")
	ErrBadPayload    = errors.New("消息体无效")
)

// StageError 带阶段与操作上下文的处理错误。errors.Is 同时匹配 Kind 与底层错误。
type StageError struct {
	Stage     string
	Op        string
	InvoiceID int64
	Kind      error
	Err       error
}

func (e *StageError) Error() string {
	if e.InvoiceID != 0 {
		return fmt.Sprintf("%s (阶段:%s, 操作:%s, 发票:%d): %v", e.Kind, e.Stage, e.Op, e.InvoiceID, e.Err)
	}
	return fmt.Sprintf("%s (阶段:%s, 操作:%s): %v", e.Kind, e.Stage, e.Op, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stageError(stage, op string, invoiceID int64, kind, err error) error {
	return &StageError{Stage: stage, Op: op, InvoiceID: invoiceID, Kind: kind, Err: err}
}
