// Package cli - командная строка tormesh
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"TorMesh/internal/core"
	"TorMesh/pkg/config"
)

// Version задается при сборке через -ldflags "-X TorMesh/internal/cli.Version=..."
var Version = "dev"

// Execute запускает корневую команду. Ошибка - код выхода 1.
func Execute() {
	cmd := newRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// rootOptions - общие флаги всех команд
type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	run := &runOptions{}

	cmd := &cobra.Command{
		Use:          "tormesh",
		Short:        "TorMesh - анонимный P2P mesh-чат поверх Tor",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run.execute(cmd, opts.cfg)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "путь к TOML-файлу конфигурации")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "уровень логов: silent|error|warn|info|debug")
	run.bind(cmd)

	cmd.AddCommand(
		newRunCmd(opts),
		newKeygenCmd(opts),
		newHealthCmd(opts),
		newCreditsCmd(),
		newVersionCmd(),
	)
	return cmd
}

// load читает конфигурацию; флаг --log-level важнее файла
func (o *rootOptions) load() error {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	o.cfg = cfg
	return nil
}

// setupLogging настраивает логи. Консоль недоступна, пока открыто окно чата,
// поэтому в режиме TUI консольный вывод переключается в файл.
func setupLogging(cfg *config.Config) error {
	level, err := core.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	output, err := core.ParseLogOutput(cfg.Logging.Output)
	if err != nil {
		return err
	}
	if cfg.UI.EnableTUI && (output == core.LogOutputConsole || output == core.LogOutputBoth) {
		output = core.LogOutputFile
	}
	if err := core.InitGlobalLogger(level, output, cfg.Logging.Dir); err != nil {
		return fmt.Errorf("не удалось настроить логирование: %w", err)
	}
	return nil
}
