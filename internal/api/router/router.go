package router

import (
	"context"
	"crypto/subtle"

	"github.com/Adrian-Rewaj/invoices-poc/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/hertz-contrib/keyauth"
)

// SignatureHeader 支付回调的签名头
const SignatureHeader = "x-payment-signature"

// RegisterRoutes 注册 API 路由
func RegisterRoutes(r route.IRoutes, invoiceHandler *handler.InvoiceHandler, paymentSignature string) {
	r.POST("/api/invoices", invoiceHandler.CreateInvoice)
	r.GET("/api/invoices/:id", invoiceHandler.GetInvoice)
	r.GET("/api/invoices/:id/pdf", invoiceHandler.GetInvoicePDF)
	r.POST("/api/payments/webhook", paymentAuth(paymentSignature), invoiceHandler.PaymentWebhook)
}

// paymentAuth 要求签名头与配置一致，未配置签名时拒绝所有回调
func paymentAuth(expected string) app.HandlerFunc {
	return keyauth.New(
		keyauth.WithKeyLookUp("header:"+SignatureHeader, ""),
		keyauth.WithValidator(func(_ context.Context, _ *app.RequestContext, key string) (bool, error) {
			if expected == "" {
				return false, keyauth.ErrMissingOrMalformedAPIKey
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				return false, keyauth.ErrMissingOrMalformedAPIKey
			}
			return true, nil
		}),
		keyauth.WithErrorHandler(func(_ context.Context, c *app.RequestContext, _ error) {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "invalid signature"})
		}),
	)
}
