package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/koopa0/system-design/14-realtime-chat/internal"
)

func main() {
	// 解析命令行參數
	var (
		addr        = flag.String("addr", ":6000", "TCP 監聽地址")
		idleTimeout = flag.Duration("idle-timeout", 0, "空閒連接回收閾值（0 表示停用）")
		logLevel    = flag.String("log-level", "info", "日誌級別 (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "text", "日誌格式 (text, json)")
	)
	flag.Parse()

	// 設置日誌
	logger := setupLogger(*logLevel, *logFormat)

	// 創建中繼中心與 TCP 服務器
	hub := internal.NewHub(logger, *idleTimeout)
	server := internal.NewServer(*addr, hub, logger)

	// 綁定失敗是唯一的致命啟動錯誤
	if err := server.Start(); err != nil {
		logger.Error("服務器啟動失敗", "error", err)
		os.Exit(1)
	}

	logger.Info("訊息中繼服務器啟動",
		"addr", *addr,
		"idle_timeout", *idleTimeout,
		"log_level", *logLevel,
		"log_format", *logFormat)

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	// 停止接受新連接，再拆除現有連接
	server.Stop()
	hub.Stop()

	logger.Info("服務器已關閉")
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
