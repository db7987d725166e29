// Package main 模拟终端入口
//
// 用法：
//
//	mock-terminal --server http://localhost:8080 --identifier AVQD-1001 --interval 10s
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"terminal-fleet/internal/mockterminal"
)

func main() {
	serverURL := pflag.StringP("server", "s", "http://localhost:8080", "API Server 地址")
	identifier := pflag.StringP("identifier", "i", "", "终端序列号")
	token := pflag.String("token", os.Getenv("TERMINAL_TOKEN"), "终端共享密钥（默认读取 TERMINAL_TOKEN）")
	version := pflag.String("version", "1.0.0", "上报的固件版本")
	interval := pflag.Duration("interval", 30*time.Second, "心跳周期")
	noPush := pflag.Bool("no-push", false, "不建立推送连接，只依赖心跳轮询")
	pflag.Parse()

	if *identifier == "" {
		log.Fatal("--identifier is required")
	}

	cfg := mockterminal.Config{
		ServerURL:   *serverURL,
		Identifier:  *identifier,
		Token:       *token,
		Version:     *version,
		Interval:    *interval,
		DisablePush: *noPush,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting mock terminal %s -> %s (interval=%s)", cfg.Identifier, cfg.ServerURL, cfg.Interval)
	agent := mockterminal.NewAgent(cfg, mockterminal.NewClient(cfg, nil), mockterminal.NewDevice(cfg.Version))
	agent.Start(ctx)
	log.Println("Mock terminal stopped")
}
