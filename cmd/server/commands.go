package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"docqa-go/internal/config"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/repository"
	"docqa-go/pkg/database"
	"docqa-go/pkg/log"
	"docqa-go/pkg/token"
)

// newReclaimCmd 执行一次超时任务回收，适合由 cron 调用。
func newReclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "回收心跳超时的入库任务（单次执行）",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Conf
			database.InitMySQL(cfg.Database.MySQL.DSN)
			database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)

			orch := pipeline.NewOrchestrator(
				repository.NewJobRepository(database.DB),
				nil,
				repository.NewLockRepository(database.RDB),
				pipeline.Options{
					ReclaimInterval: cfg.Ingestion.ReclaimInterval,
					StaleTimeout:    cfg.Ingestion.StaleTimeout,
					MaxAttempts:     cfg.Ingestion.MaxAttempts,
				},
			)
			requeued, failed, err := orch.ReclaimStale(cmd.Context())
			if err != nil {
				return err
			}
			log.Infof("回收完成: 重新排队 %d 个, 标记失败 %d 个", requeued, failed)
			return nil
		},
	}
}

// newSeedCmd 扫描目录下的文件并通过标准上传流程导入（按内容去重，可重复执行）。
func newSeedCmd() *cobra.Command {
	var tenantID, dir string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "把目录中的文件导入为指定租户的文档",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() {
				return fmt.Errorf("目录 '%s' 不存在或不可用", dir)
			}
			a, err := newApp(cmd.Context(), config.Conf)
			if err != nil {
				return err
			}
			defer a.Close()

			imported := 0
			walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
				if err != nil || info.IsDir() {
					return nil
				}
				f, err := os.Open(path)
				if err != nil {
					log.Warnf("seed: 打开文件失败: %s, err=%v", path, err)
					return nil
				}
				defer f.Close()

				doc, err := a.documentService.Upload(cmd.Context(), tenantID, info.Name(), mime.TypeByExtension(filepath.Ext(path)), f, info.Size())
				if err != nil {
					log.Warnf("seed: 导入失败: %s, err=%v", path, err)
					return nil
				}
				log.Infof("seed: 已导入 %s -> %s (%s)", info.Name(), doc.ID, doc.Status)
				imported++
				return nil
			})
			if walkErr != nil {
				return walkErr
			}
			log.Infof("seed: 共导入 %d 个文件", imported)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "文档所属租户")
	cmd.Flags().StringVar(&dir, "dir", "initfile", "待导入的目录")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// newTokenCmd 签发开发用的租户 token。
func newTokenCmd() *cobra.Command {
	var tenantID, subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "为租户签发开发用 JWT",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := token.NewJWTManager(config.Conf.JWT.Secret).GenerateToken(tenantID, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "租户 ID")
	cmd.Flags().StringVar(&subject, "subject", "dev", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "有效期")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
