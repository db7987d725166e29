// Package main API Server 入口
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"terminal-fleet/internal/apiserver/auth"
	"terminal-fleet/internal/apiserver/monitor"
	"terminal-fleet/internal/apiserver/push"
	"terminal-fleet/internal/apiserver/server"
	"terminal-fleet/internal/apiserver/terminal"
	"terminal-fleet/internal/config"
	"terminal-fleet/internal/shared/infra"
	"terminal-fleet/pkg/logging"
)

const metricsNamespace = "fleet"

func main() {
	configDir := pflag.String("config", "", "配置目录（覆盖 CONFIG_DIR）")
	pflag.Parse()
	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}

	// 加载配置（.env → common.yaml → {env}.yaml → 环境变量）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())
	if cfg.ConfigFilePath != "" {
		log.Printf("Config file: %s", cfg.ConfigFilePath)
	}

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: "api-server",
	})

	// 初始化存储与事件总线
	inf, err := infra.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize infrastructure: %v", err)
	}
	defer inf.Close()
	log.Printf("Connected to %s", cfg.DatabaseDriver)

	authCfg := buildAuthConfig(cfg.Auth)
	if !authCfg.Enabled() {
		log.Println("[auth] JWT_SECRET not set, operator authentication disabled")
	}
	if !authCfg.TerminalAuthEnabled() {
		log.Println("[auth] TERMINAL_TOKEN not set, terminal requests are not authenticated")
	}

	svc := terminal.NewService(terminal.Deps{
		Store:   inf.Storage,
		Bus:     inf.Bus,
		Fleet:   cfg.Fleet,
		Clock:   terminal.SystemClock,
		Metrics: terminal.NewMetrics(prometheus.DefaultRegisterer, metricsNamespace),
		Logger:  logger.Named("terminal"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := push.NewHub(inf.Bus, svc.Resolver)
	if err := hub.Start(ctx); err != nil {
		log.Fatalf("Failed to start push hub: %v", err)
	}
	monitorWS := monitor.NewHandler(inf.Bus)
	if err := monitorWS.Start(ctx); err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}

	h := server.NewHandler(server.Options{
		Store:     inf.Storage,
		Terminals: svc,
		Push:      hub,
		Monitor:   monitorWS,
		Auth:      authCfg,
		Metrics:   server.NewMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, metricsNamespace),
		Clock:     terminal.SystemClock,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     newServerErrorLog(os.Stderr),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.Sweeper.Start(gctx)
		return nil
	})

	g.Go(func() error {
		return serve(srv, cfg.Server)
	})

	// 优雅关闭
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// serve 监听并阻塞，直到服务器关闭
func serve(srv *http.Server, sc config.ServerConfig) error {
	if !sc.TLSEnabled() {
		log.Printf("API Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	log.Printf("API Server listening on %s (HTTPS)", srv.Addr)
	if err := srv.ServeTLS(newRedirectListener(ln), sc.TLSCertFile, sc.TLSKeyFile); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildAuthConfig 将配置文件中的认证参数转换为 auth.Config
func buildAuthConfig(ac config.AuthConfig) auth.Config {
	out := auth.DefaultConfig()
	out.JWTSecret = ac.JWTSecret
	out.TerminalToken = ac.TerminalToken
	if ac.AccessTokenTTL != "" {
		ttl, err := time.ParseDuration(ac.AccessTokenTTL)
		if err != nil || ttl <= 0 {
			log.Printf("[auth] invalid access_token_ttl %q, using %s", ac.AccessTokenTTL, out.AccessTokenTTL)
		} else {
			out.AccessTokenTTL = ttl
		}
	}
	return out
}
