package database

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"docqa-go/internal/model"
	"docqa-go/pkg/log"
)

var DB *gorm.DB

// InitMySQL 初始化 MySQL 数据库连接并同步表结构。
// DSN 需要包含 clientFoundRows=true，状态 CAS 依赖匹配行数而不是变更行数。
func InitMySQL(dsn string) {
	var err error
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect database", err)
	}

	// 配置连接池
	sqlDB, err := DB.DB()
	if err != nil {
		log.Fatal("failed to get sql.DB", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := DB.AutoMigrate(&model.Document{}, &model.ProcessingJob{}, &model.Chunk{}); err != nil {
		log.Fatal("failed to migrate schema", err)
	}
	log.Info("MySQL database connected successfully")
}
