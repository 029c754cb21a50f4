// Package pdftext 用 Eino PDF Parser 读取已生成发票的文本，供运维核对渲染结果
package pdftext

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// Extractor PDF 文本提取器
type Extractor struct {
	parser  *pdf.PDFParser
	timeout time.Duration
	log     zerolog.Logger
}

// Option 提取器选项
type Option func(*Extractor)

// WithTimeout 单个文件的解析超时，0 表示不限时
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.timeout = d }
}

// NewExtractor 整个文档作为一段连续文本返回，不按页拆分
func NewExtractor(ctx context.Context, opts ...Option) (*Extractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: false})
	if err != nil {
		return nil, fmt.Errorf("创建 Eino PDF 解析器失败: %w", err)
	}
	e := &Extractor{parser: p, timeout: defaultTimeout, log: logger.Component("pdftext")}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ExtractFile 读取文件并返回其文本
func (e *Extractor) ExtractFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("打开 PDF 文件 %s 失败: %w", path, err)
	}
	defer f.Close()
	return e.Extract(ctx, f, path)
}

// Extract 从 reader 中提取文本，uri 只用于日志和文档元数据
func (e *Extractor) Extract(ctx context.Context, r io.Reader, uri string) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	docs, err := e.parser.Parse(ctx, r,
		einoParser.WithURI(uri),
		einoParser.WithExtraMeta(map[string]any{"source": uri}),
	)
	if err != nil {
		return "", fmt.Errorf("解析 PDF %s 失败: %w", uri, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("PDF %s 没有可提取的内容", uri)
	}

	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		parts = append(parts, doc.Content)
	}
	text := strings.Join(parts, "\n\n")
	e.log.Debug().Str("uri", uri).Int("chars", len(text)).Dur("elapsed", time.Since(start)).Msg("PDF 文本提取完成")
	return text, nil
}
