package main

import (
	"fmt"

	"github.com/Adrian-Rewaj/invoices-poc/internal/pdftext"

	"github.com/spf13/cobra"
)

func newPDFTextCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pdf-text <file.pdf>",
		Short: "输出 PDF 的纯文本，用于核对渲染结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := root.load(); err != nil {
				return err
			}
			extractor, err := pdftext.NewExtractor(cmd.Context())
			if err != nil {
				return err
			}
			text, err := extractor.ExtractFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
}
