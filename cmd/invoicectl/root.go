package main

import (
	"os"

	"github.com/Adrian-Rewaj/invoices-poc/internal/bootstrap"
	"github.com/Adrian-Rewaj/invoices-poc/internal/config"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "invoicectl",
		Short:         "发票流水线运维工具",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径，为空时在常见位置查找 config.yaml")

	cmd.AddCommand(newDLQCmd(opts))
	cmd.AddCommand(newRenderCmd(opts))
	cmd.AddCommand(newPDFTextCmd(opts))
	return cmd
}

// load 读取配置，日志写 stderr，stdout 只输出命令结果
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	bootstrap.InitLogger(cfg.Logger, os.Stderr)
	return cfg, nil
}
