package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"OpenMech-Chain/internal/config"
	"OpenMech-Chain/pkg/logger"

	"github.com/spf13/cobra"
)

// main 是 OpenMech 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "openmechd 运行失败: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "openmechd",
		Short:         "OpenMech 交易生命周期服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"配置文件路径 (JSON 或 YAML)，默认读取 "+config.EnvConfigPath)

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newInspectCommand(opts),
		newChainCommand(opts),
	)
	return root
}

// loadConfig 读取配置并初始化日志。
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Resolve(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
