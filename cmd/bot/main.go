package main

import (
	"bybit-grid-bot-go/internal/config"
	"bybit-grid-bot-go/internal/engine"
	"bybit-grid-bot-go/internal/exchange"
	"bybit-grid-bot-go/internal/logger"
	"bybit-grid-bot-go/internal/models"
	"bybit-grid-bot-go/internal/persistence"
	"bybit-grid-bot-go/internal/reporter"
	"bybit-grid-bot-go/internal/server"
	"bybit-grid-bot-go/internal/storage"
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// 在加载配置前先初始化一个默认 logger，保证早期日志可用
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	// 从环境变量加载API密钥
	apiKey := os.Getenv("BYBIT_API_KEY")
	apiSecret := os.Getenv("BYBIT_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		logger.S().Fatal("错误：BYBIT_API_KEY 和 BYBIT_API_SECRET 环境变量必须被设置。")
	}
	if cfg.IsTestnet {
		logger.S().Info("正在使用 Bybit 测试网...")
	} else {
		logger.S().Info("正在使用 Bybit 生产网...")
	}

	// --- 初始化持久层 ---
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("无法打开本地数据库: %v", err)
	}
	defer store.Close()

	repo, err := persistence.NewBadgerRepository(cfg.StatePath)
	if err != nil {
		logger.S().Fatalf("无法打开实例状态库: %v", err)
	}
	defer repo.Close()

	// --- 初始化交易所适配器 ---
	var category models.Category
	if cfg.Grid != nil {
		category = cfg.Grid.Category
	}
	var ex exchange.Exchange = exchange.NewBybitExchange(apiKey, apiSecret, exchange.BybitOptions{
		Testnet:           cfg.IsTestnet,
		Category:          category,
		RateLimitPerSec:   cfg.RateLimitPerSec,
		RetryAttempts:     cfg.RetryAttempts,
		RetryInitialDelay: time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutSec) * time.Second,
	})
	if cfg.DryRun {
		logger.S().Info("干跑模式已开启，订单只在本地模拟成交。")
		ex = exchange.NewPaperExchange(ex)
	}

	// --- 初始化网格实例并恢复上次的状态 ---
	grid := engine.New(ex, store, repo)
	wasRunning, err := grid.Restore()
	if err != nil {
		logger.S().Fatalf("恢复实例状态失败: %v", err)
	}

	if cfg.Grid != nil && !wasRunning {
		if err := grid.Configure(cfg.Grid); err != nil {
			logger.S().Fatalf("预置网格配置无效: %v", err)
		}
		logger.S().Infof("已从配置文件加载网格: %s [%.4f, %.4f] x %d",
			cfg.Grid.Symbol, cfg.Grid.LowerPrice, cfg.Grid.UpperPrice, cfg.Grid.GridCount)
	}

	if wasRunning {
		logger.S().Info("上次退出时网格处于运行状态，自动恢复运行...")
		startCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := grid.Start(startCtx); err != nil {
			logger.S().Errorf("自动恢复运行失败: %v，等待手动启动。", err)
		}
		cancel()
	}

	// --- 启动 API 服务 ---
	srv := server.NewServer(grid, store, ex, cfg.ServerAddr)
	srv.Start()
	logger.S().Infof("API 服务已启动，监听 %s", cfg.ServerAddr)

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.S().Info("收到退出信号，开始优雅关停...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	status := grid.Status()
	if status.Status == models.StatusRunning {
		if err := grid.Stop(shutdownCtx); err != nil {
			logger.S().Errorf("停止网格失败: %v", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.S().Errorf("关闭 API 服务失败: %v", err)
	}

	// --- 打印运行总结 ---
	symbol := ""
	if g := grid.Status().Grid; g != nil {
		symbol = g.Symbol
	}
	if err := reporter.GenerateReport(store, symbol); err != nil {
		logger.S().Warnf("生成运行报告失败: %v", err)
	}
	logger.S().Info("机器人已成功停止。")
}
