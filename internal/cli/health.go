package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"TorMesh/internal/health"
	"TorMesh/pkg/config"
)

const probeTimeout = 5 * time.Second

// NewHealthCmd возвращает команду проверки /health работающего узла.
// root == nil - команда без общих флагов (отдельный бинарник).
func NewHealthCmd() *cobra.Command {
	return newHealthCmd(nil)
}

func newHealthCmd(root *rootOptions) *cobra.Command {
	var url string
	c := &cobra.Command{
		Use:          "health",
		Short:        "Проверить /health узла (код выхода 0 - OK, 1 - ошибка)",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				cfg := config.DefaultConfig()
				if root != nil && root.cfg != nil {
					cfg = root.cfg
				}
				url = health.URL(cfg.Health.ListenHost, cfg.Network.BasePort)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()
			if err := health.Probe(ctx, url); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %v\n", err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), health.HealthBody)
			return nil
		},
	}
	c.Flags().StringVar(&url, "url", "", "адрес /health (по умолчанию из конфигурации)")
	return c
}
