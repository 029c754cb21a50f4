package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Adrian-Rewaj/invoices-poc/internal/render"
	"github.com/Adrian-Rewaj/invoices-poc/internal/types"

	"github.com/spf13/cobra"
)

type renderOutput struct {
	FileName string `json:"fileName"`
	Path     string `json:"path"`
}

func newRenderCmd(root *rootOptions) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "render <event.json>",
		Short: "在本地渲染一个 invoice.created 事件，不经过 broker 和数据库",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			body, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("读取事件文件失败: %w", err)
			}
			ev, err := types.DecodeCreatedEvent(body)
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Storage.PDFPath
			}
			name, err := render.NewRenderer(cfg.Render).Render(ev, dir)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), renderOutput{FileName: name, Path: filepath.Join(dir, name)})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "输出目录，默认 storage.pdf_path")
	return cmd
}
