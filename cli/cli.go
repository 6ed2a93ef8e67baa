package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nhirsama/Goster-ThermoRelay/src/config"
	"github.com/nhirsama/Goster-ThermoRelay/src/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app 命令之间共享的配置来源
type app struct {
	v       *viper.Viper
	cfgFile string
}

// Run 进程入口，收到 SIGINT/SIGTERM 时取消上下文
func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.GetLogger().Error(err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "thermo-relay",
		Short:         "温控器签到解密中继",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(a.v, a.cfgFile); err != nil {
				return err
			}
			cfg := config.FromViper(a.v)
			logger.Configure(cfg.LogLevel, cfg.Debug)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "YAML 配置文件路径")
	root.PersistentFlags().String("secret", "", "共享密钥")
	root.PersistentFlags().String("store", "", "SQLite 文件路径或 postgres:// URL")
	root.PersistentFlags().Bool("debug", false, "输出调试日志")
	a.v.BindPFlag("secret", root.PersistentFlags().Lookup("secret"))
	a.v.BindPFlag("store.dsn", root.PersistentFlags().Lookup("store"))
	a.v.BindPFlag("debug", root.PersistentFlags().Lookup("debug"))

	root.AddCommand(
		a.serveCommand(),
		a.keysCommand(),
		a.deviceCommand(),
		a.simulateCommand(),
	)
	return root
}

func (a *app) load() *config.Config {
	return config.FromViper(a.v)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
