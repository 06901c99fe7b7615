package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"TorMesh/internal/app"
	"TorMesh/internal/core"
	"TorMesh/pkg/config"
)

const cleanupTimeout = 15 * time.Second

// runOptions - флаги запуска узла, переопределяющие конфигурацию
type runOptions struct {
	port      int
	noTor     bool
	noUI      bool
	ephemeral bool
	peers     []string
	db        string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	run := &runOptions{}
	c := &cobra.Command{
		Use:   "run",
		Short: "Запустить узел и окно чата",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run.execute(cmd, root.cfg)
		},
	}
	run.bind(c)
	return c
}

func (o *runOptions) bind(c *cobra.Command) {
	c.Flags().IntVar(&o.port, "port", config.DefaultBasePort, "базовый порт: health-сервер, узел на следующих портах")
	c.Flags().BoolVar(&o.noTor, "no-tor", false, "работать без Tor (только прямые соединения)")
	c.Flags().BoolVar(&o.noUI, "no-ui", false, "без окна чата, сообщения пишутся в лог")
	c.Flags().BoolVar(&o.ephemeral, "ephemeral", false, "не сохранять ключи и кэш пиров на диск")
	c.Flags().StringSliceVar(&o.peers, "peer", nil, "адрес пира (peer ID, multiaddr или host:port), можно несколько раз")
	c.Flags().StringVar(&o.db, "db", "", "путь к базе истории SQLite")
}

// apply переносит явно заданные флаги в конфигурацию
func (o *runOptions) apply(c *cobra.Command, cfg *config.Config) error {
	flags := c.Flags()
	if flags.Changed("port") {
		cfg.Network.BasePort = o.port
	}
	if o.noTor {
		cfg.Tor.Enable = false
	}
	if o.noUI {
		cfg.UI.EnableTUI = false
	}
	if o.ephemeral {
		cfg.Security.EphemeralIdentity = true
	}
	cfg.Network.StaticPeers = append(cfg.Network.StaticPeers, o.peers...)
	if o.db != "" {
		cfg.Storage.DatabasePath = o.db
	}
	return cfg.FixupAndValidate()
}

func (o *runOptions) execute(c *cobra.Command, cfg *config.Config) error {
	if err := o.apply(c, cfg); err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg)
	if err != nil {
		core.Error("❌ Не удалось создать приложение: %v", err)
		return err
	}

	runErr := a.Start(ctx)
	if runErr != nil {
		core.Error("❌ Ошибка выполнения приложения: %v", runErr)
	}

	cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := a.Cleanup(cctx); err != nil {
		core.Warn("⚠️ Остановка завершилась с ошибками: %v", err)
	}
	return runErr
}
