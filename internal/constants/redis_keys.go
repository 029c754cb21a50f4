package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// InvoiceModulePrefix 发票模块
	InvoiceModulePrefix = "invoice"

	// EntityEmailSent 发票邮件已发送标记
	EntityEmailSent = "email_sent"

	// KeyInvoiceEmailSent 发票邮件已发送标记 (STRING，值为发送时间)
	// 格式: app:invoice:email_sent:{invoiceID}:{pdfFileName}
	KeyInvoiceEmailSent = AppPrefix + ":" + InvoiceModulePrefix + ":" + EntityEmailSent + ":%d:%s"
)
