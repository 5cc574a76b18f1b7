package main

import (
	"encoding/json"
	"fmt"
	"io"

	"OpenMech-Chain/internal/lifecycle"
	"OpenMech-Chain/internal/simulator"
	"OpenMech-Chain/internal/storage/mysql"
	"OpenMech-Chain/internal/web3/provider"
	"OpenMech-Chain/pkg/logger"

	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "执行内置的 MySQL 迁移脚本",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Storage.Driver != "mysql" {
				fmt.Fprintf(cmd.OutOrStdout(), "存储驱动为 %s，无需迁移\n", cfg.Storage.Driver)
				return nil
			}
			db, err := mysql.Open(cmd.Context(), cfg.Storage.MySQL)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := mysql.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "数据库已是最新版本")
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "已应用迁移 %s\n", version)
			}
			return nil
		},
	}
}

func newInspectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <transaction-id>",
		Short: "打印已存储的交易及其总体状态",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			repo, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Close()
			sim, err := simulator.New(cfg.Simulator)
			if err != nil {
				return err
			}
			svc, err := lifecycle.New(repo, sim)
			if err != nil {
				return err
			}
			details, err := svc.Details(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), details)
		},
	}
}

func newChainCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chain",
		Short: "打印默认链的快照信息",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			registry, err := provider.NewRegistry(cmd.Context(), cfg.Web3, nil)
			if err != nil {
				return err
			}
			defer registry.Close()
			client, err := registry.DefaultClient()
			if err != nil {
				return err
			}
			snapshot, err := client.FetchChainSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"default_chain": registry.DefaultChain(),
				"chains":        registry.Chains(),
				"snapshot":      snapshot,
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
