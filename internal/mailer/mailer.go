package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/types"

	"gopkg.in/gomail.v2"
)

var (
	// ErrRejected 服务器明确拒收（5xx），重试同一封邮件没有意义
	ErrRejected = errors.New("mail rejected by server")
	// ErrTransport 连接或临时性错误
	ErrTransport = errors.New("mail transport error")
	// ErrSendTimeout 发送在超时前没有完成
	ErrSendTimeout = errors.New("mail send timed out")
)

const pdfContentType = "application/pdf"

// Message 一封带单个附件的邮件
type Message struct {
	To             string
	Subject        string
	Body           string
	AttachmentName string
	Attachment     []byte
}

// Sender 邮件发送接口
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// InvoiceEmail 组装发票邮件：收件人为客户邮箱（没有时用 fallbackTo），
// 正文带支付链接，附件使用存储中的文件名。
func InvoiceEmail(ev *types.InvoiceSendEvent, pdf []byte, fallbackTo, payURLBase string) Message {
	to := ev.ClientEmail()
	if to == "" {
		to = fallbackTo
	}
	return Message{
		To:      to,
		Subject: "Faktura VAT " + ev.InvoiceNumber,
		Body: "Dzień dobry! W załączniku znajdziesz fakturę VAT. Link do płatności: " +
			payURLBase + ev.PayToken,
		AttachmentName: ev.PDFFileName,
		Attachment:     pdf,
	}
}

// SMTPSender 通过 SMTP 发送
type SMTPSender struct {
	from    string
	deliver func(m *gomail.Message) error
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender 用户名为空时不做 SMTP 认证
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &SMTPSender{from: cfg.From, deliver: func(m *gomail.Message) error { return d.DialAndSend(m) }}
}

// Send 在 ctx 结束前完成投递。gomail 不支持取消，超时后后台连接自行结束。
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("%w: 收件人为空", ErrRejected)
	}
	m := s.build(msg)

	errc := make(chan error, 1)
	go func() { errc <- s.deliver(m) }()

	select {
	case err := <-errc:
		return classify(err)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSendTimeout, ctx.Err())
	}
}

func (s *SMTPSender) build(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	if msg.AttachmentName != "" {
		data := msg.Attachment
		m.Attach(msg.AttachmentName,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {pdfContentType}}),
		)
	}
	return m
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
