package cmd

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adewale/keyboardia-sub006/config"
	"github.com/adewale/keyboardia-sub006/core/agent"
	"github.com/adewale/keyboardia-sub006/logger"

	"github.com/spf13/cobra"
)

var (
	agentServerURL string
	agentToken     string
	agentSessionID string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "以无头客户端身份加入会话",
	Long:  `连接到指定会话并保持同步，用于联调和观察同步状态。`,
	Run: func(cmd *cobra.Command, args []string) {
		if agentToken == "" || agentSessionID == "" {
			log.Fatal("--token 和 --session 必填")
		}

		cfg := config.Load()
		logger.Init(logger.Config{
			Level:      logger.LogLevel(cfg.LogLevel),
			OutputPath: cfg.LogOutput,
		})

		a := agent.New(agent.Options{
			ServerURL:         agentServerURL,
			Token:             agentToken,
			SessionID:         agentSessionID,
			MutationTimeoutMs: cfg.MutationTimeoutMs,
			ConfirmedMaxAgeMs: cfg.ConfirmedMaxAgeMs,
			PruneIntervalMs:   cfg.PruneIntervalMs,
		})
		if err := a.Connect(); err != nil {
			log.Fatalf("连接失败: %v", err)
		}
		defer a.Close()

		// 周期性打印同步状态，直到收到退出信号
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		for {
			select {
			case <-ticker.C:
				stats := a.Stats()
				fmt.Printf("pending=%d confirmed=%d superseded=%d lost=%d hash=%s\n",
					stats.Pending, stats.Confirmed, stats.Superseded, stats.Lost, a.StateHash())
			case <-quit:
				return
			}
		}
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentServerURL, "server", "ws://127.0.0.1:8080", "服务器地址")
	agentCmd.Flags().StringVar(&agentToken, "token", "", "JWT")
	agentCmd.Flags().StringVar(&agentSessionID, "session", "", "会话ID")
	rootCmd.AddCommand(agentCmd)
}
