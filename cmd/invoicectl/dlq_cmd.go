package main

import (
	"fmt"
	"strings"

	"github.com/Adrian-Rewaj/invoices-poc/internal/config"
	"github.com/Adrian-Rewaj/invoices-poc/internal/dlq"
	"github.com/Adrian-Rewaj/invoices-poc/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type deadLetter struct {
	InvoiceID   *int64 `json:"invoiceId,omitempty"`
	Invoice     string `json:"invoiceNumber,omitempty"`
	RoutingKey  string `json:"routingKey"`
	SourceQueue string `json:"sourceQueue,omitempty"`
	Reason      string `json:"reason,omitempty"`
	DeathCount  int64  `json:"deathCount"`
	Body        string `json:"body"`
}

type replayOutput struct {
	Queue    string `json:"queue"`
	Replayed int    `json:"replayed"`
}

func newDLQCmd(root *rootOptions) *cobra.Command {
	var (
		queue string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "查看或重放死信队列",
	}
	cmd.PersistentFlags().StringVarP(&queue, "queue", "q", "created", "created、send，或完整的队列名")
	cmd.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "最多处理的消息数")

	list := &cobra.Command{
		Use:   "list",
		Short: "列出死信，读取后全部放回队列",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			inspector, closeFn, err := openInspector(cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closeFn()) }()

			summaries, err := inspector.Peek(resolveDLQ(cfg, queue), limit)
			if err != nil {
				return err
			}
			out := make([]deadLetter, 0, len(summaries))
			for _, s := range summaries {
				out = append(out, deadLetter{
					InvoiceID:   s.InvoiceID,
					Invoice:     s.Invoice,
					RoutingKey:  s.RoutingKey,
					SourceQueue: s.SourceQueue,
					Reason:      s.Reason,
					DeathCount:  s.DeathCount,
					Body:        string(s.Body),
				})
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	replay := &cobra.Command{
		Use:   "replay",
		Short: "把死信按原路由键发回主交换机",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			// 确认发布后才从死信队列删除
			cfg.RabbitMQ.PublisherConfirms = true
			inspector, closeFn, err := openInspector(cfg)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, closeFn()) }()

			name := resolveDLQ(cfg, queue)
			n, rerr := inspector.Replay(cmd.Context(), name, limit)
			if werr := writeJSON(cmd.OutOrStdout(), replayOutput{Queue: name, Replayed: n}); werr != nil {
				return multierr.Append(rerr, werr)
			}
			return rerr
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

// resolveDLQ created 和 send 指向对应的死信队列，其它名字缺少 .dlq 后缀时补上
func resolveDLQ(cfg *config.Config, name string) string {
	switch name {
	case "created":
		return cfg.RabbitMQ.CreatedDLQ()
	case "send":
		return cfg.RabbitMQ.SendDLQ()
	}
	if strings.HasSuffix(name, ".dlq") {
		return name
	}
	return config.DLQName(name)
}

func openInspector(cfg *config.Config) (*dlq.Inspector, func() error, error) {
	mq, err := storage.NewRabbitMQ(&cfg.RabbitMQ)
	if err != nil {
		return nil, nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := mq.OpenChannel()
	if err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("打开通道失败: %w", err), mq.Close())
	}
	closeFn := func() error {
		return multierr.Append(ch.Close(), mq.Close())
	}
	return dlq.NewInspector(ch, mq, cfg.RabbitMQ.Exchange), closeFn, nil
}
