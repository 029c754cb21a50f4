// invoicectl 运维工具：查看与重放死信、本地渲染发票、读取 PDF 文本
package main

import (
	"context"
	"os"

	"github.com/Adrian-Rewaj/invoices-poc/internal/bootstrap"
)

func main() {
	ctx, stop := bootstrap.SignalContext(context.Background())
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
