// Package main 是应用程序的入口点。
package main

import (
	"os"

	"github.com/spf13/cobra"

	"docqa-go/internal/config"
	"docqa-go/pkg/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "docqa",
		Short:        "可追溯的文档问答服务",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// 1. 初始化配置
			config.Init(configPath)
			// 2. 初始化日志记录器
			cfg := config.Conf
			log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")

	root.AddCommand(newServeCmd(), newReclaimCmd(), newSeedCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API、入库工作池和 Kafka 消费者",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}
