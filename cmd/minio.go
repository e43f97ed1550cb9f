package cmd

import (
	"fmt"
	"log"

	"github.com/adewale/keyboardia-sub006/config"
	"github.com/adewale/keyboardia-sub006/storage"

	"github.com/spf13/cobra"
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO连接测试",
	Long:  `测试MinIO对象存储连接，并检查采样存储桶是否可用。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始测试MinIO连接...")

		cfg := config.Load()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		if err := storage.CheckMinio(cfg); err != nil {
			log.Fatalf("MinIO测试失败: %v", err)
		}
		fmt.Println("MinIO连接与存储桶检查通过。")
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)
}
