package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"crypto-orchestrator-bots/internal/api"
	"crypto-orchestrator-bots/internal/backtest"
	"crypto-orchestrator-bots/internal/config"
	"crypto-orchestrator-bots/internal/downloader"
	"crypto-orchestrator-bots/internal/exchange"
	"crypto-orchestrator-bots/internal/logger"
	"crypto-orchestrator-bots/internal/models"
	"crypto-orchestrator-bots/internal/notify"
	"crypto-orchestrator-bots/internal/persistence"
	"crypto-orchestrator-bots/internal/reporter"
	"crypto-orchestrator-bots/internal/statemanager"
	"crypto-orchestrator-bots/internal/supervisor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "run", "running mode: run, backtest, list or download")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to download or backtest (e.g., BNBUSDT)")
	startDate := flag.String("start", "", "start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date (YYYY-MM-DD)")
	botIndex := flag.Int("bot", 0, "index into config.bots used for backtesting")
	flag.Parse()

	// 在加载配置之前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if config.LoadDotEnv() {
		logger.S().Info("成功从 .env 文件加载配置。")
	} else {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "run":
		err = runService(ctx, cfg, log)
	case "list":
		err = runList(cfg)
	case "download":
		_, err = download(ctx, *symbol, *startDate, *endDate, log)
	case "backtest":
		err = runBacktest(ctx, cfg, *botIndex, *symbol, *startDate, *endDate, *dataPath, log)
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 run, backtest, list 或 download", *mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("退出", zap.Error(err))
	}
}

// runService 启动所有运行中的机器人以及 HTTP 控制接口，直到收到退出信号
func runService(ctx context.Context, cfg *models.Config, log *zap.Logger) error {
	log.Info("--- 启动机器人服务 ---", zap.String("db_path", cfg.DBPath), zap.Bool("testnet", cfg.Exchange.IsTestnet))

	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("打开数据库失败: %w", err)
	}
	defer repo.Close()
	store := statemanager.NewStateManager(repo, log.Named("store"))

	g, gctx := errgroup.WithContext(ctx)

	// 行情: REST 兜底, 可选 WebSocket 推送
	var feed exchange.PriceFeed = exchange.NewBinanceFeed(cfg.Exchange)
	if cfg.Exchange.UseStream {
		stream := exchange.NewStreamFeed(cfg.Exchange, feed, log.Named("stream"))
		g.Go(func() error { return stream.Run(gctx) })
		feed = stream
	}

	gateways := map[models.Mode]exchange.OrderGateway{
		models.ModePaper: exchange.NewPaperGateway(cfg.Exchange, log.Named("paper")),
	}
	if cfg.Exchange.APIKey != "" && cfg.Exchange.SecretKey != "" {
		binanceGateway := exchange.NewBinanceGateway(cfg.Exchange, log.Named("binance"))
		gateways[models.ModeReal] = binanceGateway
		g.Go(func() error { return binanceGateway.Run(gctx) })
	} else {
		log.Warn("未设置 BINANCE_API_KEY/BINANCE_SECRET_KEY，REAL 模式的机器人将无法启动")
	}

	dispatcher, closeSinks, err := buildNotifier(cfg.Notify, log)
	if err != nil {
		return err
	}
	defer closeSinks()
	g.Go(func() error { return dispatcher.Run(gctx) })

	sup := supervisor.New(store, feed, gateways, dispatcher, supervisor.OptionsFrom(cfg.Supervisor), log.Named("supervisor"))
	if _, err := sup.Seed(cfg.Bots); err != nil {
		return err
	}
	if _, err := sup.Restore(gctx); err != nil {
		return fmt.Errorf("恢复机器人失败: %w", err)
	}
	g.Go(func() error { return sup.Run(gctx) })

	if cfg.API.Enabled {
		gin.SetMode(gin.ReleaseMode)
		router := api.NewRouter(sup, log.Named("api"))
		g.Go(func() error { return api.Serve(gctx, cfg.API.ListenAddr, router, log) })
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := sup.Shutdown(shutdownCtx); serr != nil {
		log.Warn("等待进行中的 tick 超时", zap.Error(serr))
	}
	log.Info("机器人服务已停止")
	return err
}

func buildNotifier(cfg models.NotifyConfig, log *zap.Logger) (*notify.Dispatcher, func(), error) {
	sinks := []notify.Sink{notify.NewLogSink(log.Named("events"))}
	var closers []func() error

	if cfg.RedisAddr != "" {
		redisSink := notify.NewRedisSink(cfg)
		sinks = append(sinks, redisSink)
		closers = append(closers, redisSink.Close)
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化 Telegram 通知失败: %w", err)
		}
		sinks = append(sinks, tg)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("关闭通知渠道失败", zap.Error(err))
			}
		}
	}
	return notify.NewDispatcher(cfg.BufferSize, log.Named("notify"), sinks...), closeAll, nil
}

func runList(cfg *models.Config) error {
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		return err
	}
	defer repo.Close()
	bots, err := statemanager.NewStateManager(repo, zap.NewNop()).ListAll()
	if err != nil {
		return err
	}
	reporter.WriteStatus(os.Stdout, bots)
	return nil
}

// download 下载K线到 data 目录并返回文件路径
func download(ctx context.Context, symbol, startDate, endDate string, log *zap.Logger) (string, error) {
	if symbol == "" || startDate == "" || endDate == "" {
		return "", errors.New("下载需要同时指定 --symbol, --start 和 --end")
	}
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	path := downloader.FileName("data", symbol, startTime, endTime)
	if err := downloader.NewKlineDownloader(log.Named("downloader")).DownloadKlines(ctx, symbol, path, startTime, endTime); err != nil {
		return "", fmt.Errorf("下载数据失败: %w", err)
	}
	return path, nil
}

// runBacktest 用历史K线回放配置中的一个机器人
func runBacktest(ctx context.Context, cfg *models.Config, botIndex int, symbol, startDate, endDate, dataPath string, log *zap.Logger) error {
	if botIndex < 0 || botIndex >= len(cfg.Bots) {
		return fmt.Errorf("配置中没有下标为 %d 的机器人 (共 %d 个)", botIndex, len(cfg.Bots))
	}

	if symbol != "" && startDate != "" && endDate != "" {
		path, err := download(ctx, symbol, startDate, endDate, log)
		if err != nil {
			return err
		}
		dataPath = path
	}
	if dataPath == "" {
		return errors.New("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}

	candles, err := backtest.LoadCandles(dataPath)
	if err != nil {
		return err
	}

	bot := cfg.Bots[botIndex]
	if s := backtest.SymbolFromPath(dataPath); s != "" {
		bot.Symbol = s
	}

	log.Info("--- 启动回测模式 ---", zap.String("data", filepath.Base(dataPath)), zap.Int("candles", len(candles)))
	report, err := backtest.Run(ctx, bot, candles, backtest.Options{Exchange: cfg.Exchange, Logger: log.Named("backtest")})
	if err != nil {
		return err
	}
	reporter.WriteBacktest(os.Stdout, dataPath, report)
	return nil
}
