package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"TorMesh/internal/credits"
)

func newCreditsCmd() *cobra.Command {
	var out string
	c := &cobra.Command{
		Use:   "credits",
		Short: "Вывести HTML-страницу с используемыми библиотеками",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return credits.Render(cmd.OutOrStdout())
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("не удалось создать %s: %w", out, err)
			}
			if err := credits.Render(f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
	c.Flags().StringVarP(&out, "out", "o", "", "файл для страницы (по умолчанию stdout)")
	return c
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tormesh %s\n", Version)
		},
	}
}
