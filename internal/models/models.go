package models

// Config 结构体定义了整个进程的配置参数
type Config struct {
	DBPath     string           `json:"db_path"` // BadgerDB 数据目录
	LogConfig  LogConfig        `json:"log"`
	Exchange   ExchangeConfig   `json:"exchange"`
	Supervisor SupervisorConfig `json:"supervisor"`
	Notify     NotifyConfig     `json:"notify"`
	API        APIConfig        `json:"api"`
	Bots       []BotConfig      `json:"bots,omitempty"` // 启动时若不存在则创建的机器人
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// ExchangeConfig 定义了交易所相关的配置
type ExchangeConfig struct {
	IsTestnet       bool     `json:"is_testnet"`        // 是否使用测试网
	APIKey          string   `json:"-"`                 // 从环境变量读取
	SecretKey       string   `json:"-"`                 // 从环境变量读取
	UseStream       bool     `json:"use_stream"`        // 是否使用 WebSocket 行情推送
	StreamURL       string   `json:"stream_url"`        // WebSocket 行情地址
	StreamSymbols   []string `json:"stream_symbols"`    // 需要订阅的交易对
	StaleAfterSec   int      `json:"stale_after_sec"`   // 推送价格过期时间(秒)
	PollIntervalMs  int      `json:"poll_interval_ms"`  // 实盘订单状态轮询间隔
	RequestsPerSec  float64  `json:"requests_per_sec"`  // REST 请求速率上限
	TakerFeeRate    float64  `json:"taker_fee_rate"`    // 模拟盘吃单手续费率
	MakerFeeRate    float64  `json:"maker_fee_rate"`    // 模拟盘挂单手续费率
	SlippageRate    float64  `json:"slippage_rate"`     // 模拟盘市价单滑点率
	PingIntervalSec int      `json:"ping_interval_sec"` // WebSocket Ping 间隔(秒)
}

// SupervisorConfig 定义了调度器的配置
type SupervisorConfig struct {
	Workers          int            `json:"workers"`            // 并发执行 tick 的 worker 数量
	GatewayTimeoutMs int            `json:"gateway_timeout_ms"` // 行情与下单调用的超时
	Cadences         map[string]int `json:"cadences"`           // 每种策略的 tick 间隔(秒)
}

// NotifyConfig 定义了通知渠道
type NotifyConfig struct {
	BufferSize     int    `json:"buffer_size"`
	RedisAddr      string `json:"redis_addr"`
	RedisPassword  string `json:"-"`
	RedisDB        int    `json:"redis_db"`
	TelegramToken  string `json:"-"`
	TelegramChatID int64  `json:"telegram_chat_id"`
}

// APIConfig 定义了 HTTP 控制接口
type APIConfig struct {
	ListenAddr string `json:"listen_addr"`
	Enabled    bool   `json:"enabled"`
}
