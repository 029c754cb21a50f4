package storage

import (
	"context"
	"fmt"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/logger"

	"go.uber.org/multierr"
)

// Component 进程需要初始化的存储组件
type Component int

const (
	WithRabbitMQ Component = 1 << iota
	WithDatabase
	WithPDFStore
	WithSendGuard
)

// Storage 存储管理器，聚合一个进程用到的外部依赖
type Storage struct {
	RabbitMQ *RabbitMQ
	Database *Database
	Invoices *InvoiceStore
	PDFs     PDFStore
	// Guard 为 nil 时不做重复发送保护
	Guard *SendGuard
}

// NewStorage 按需初始化组件。任一必需组件失败都会关闭已建立的连接并返回错误。
func NewStorage(ctx context.Context, cfg *config.Config, need Component) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	s := &Storage{}
	var err error

	if need&WithRabbitMQ != 0 {
		if s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ); err != nil {
			return nil, s.closeAfter(fmt.Errorf("RabbitMQ: %w", err))
		}
	}

	if need&WithDatabase != 0 {
		if s.Database, err = NewDatabase(&cfg.Database); err != nil {
			return nil, s.closeAfter(fmt.Errorf("数据库: %w", err))
		}
		s.Invoices = NewInvoiceStore(s.Database.DB())
	}

	if need&WithPDFStore != 0 {
		if s.PDFs, err = NewPDFStore(ctx, cfg); err != nil {
			return nil, s.closeAfter(fmt.Errorf("PDF 存储: %w", err))
		}
	}

	if need&WithSendGuard != 0 {
		if s.Guard, err = NewSendGuard(&cfg.Redis); err != nil {
			return nil, s.closeAfter(fmt.Errorf("Redis: %w", err))
		}
		if s.Guard == nil {
			logger.Info().Msg("Redis未配置, 不启用重复发送保护")
		}
	}

	return s, nil
}

func (s *Storage) closeAfter(err error) error {
	if cerr := s.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("初始化失败后关闭存储组件出错")
	}
	return err
}

// Close 关闭所有连接
func (s *Storage) Close() error {
	var err error
	if s.RabbitMQ != nil {
		err = multierr.Append(err, s.RabbitMQ.Close())
	}
	if s.Database != nil {
		err = multierr.Append(err, s.Database.Close())
	}
	err = multierr.Append(err, s.Guard.Close())
	return err
}
