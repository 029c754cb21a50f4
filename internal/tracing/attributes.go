package tracing

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// 发票流水线 span 上共用的属性键
const (
	InvoiceIDKey     = attribute.Key("invoice.id")
	InvoiceStatusKey = attribute.Key("invoice.status")
	PDFFileKey       = attribute.Key("pdf.file_name")
	MailToKey        = attribute.Key("mail.to")
)

// MaxSQLLength 记录到 span 的 SQL 最大长度
const MaxSQLLength = 500

// Invoice 发票 id 与 PDF 文件名，文件名为空时省略
func Invoice(id int64, pdfFileName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{InvoiceIDKey.Int64(id)}
	if pdfFileName != "" {
		attrs = append(attrs, PDFFileKey.String(pdfFileName))
	}
	return attrs
}

// Recipient 收件人地址只保留首尾字符和域名
func Recipient(email string) attribute.KeyValue {
	return MailToKey.String(MaskEmail(email))
}

// MaskEmail "jan.kowalski@firma.pl" -> "j**********i@firma.pl"
func MaskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok {
		return mask(email)
	}
	return mask(local) + "@" + domain
}

func mask(s string) string {
	runes := []rune(s)
	switch n := len(runes); {
	case n == 0:
		return ""
	case n <= 2:
		return strings.Repeat("*", n)
	default:
		return string(runes[0]) + strings.Repeat("*", n-2) + string(runes[n-1])
	}
}

// TruncateString 超出 maxLength 时保留首尾，中间用省略号
func TruncateString(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return string(runes[:maxLength])
	}
	half := (maxLength - 3) / 2
	return string(runes[:half]) + "..." + string(runes[len(runes)-half:])
}

// SafeSQL 截断 SQL 语句
func SafeSQL(sql string) string {
	return TruncateString(sql, MaxSQLLength)
}
