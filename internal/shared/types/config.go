package types

// EngineConf 描述外部代理引擎 (Clash/mihomo 兼容控制器) 的连接方式
type EngineConf struct {
	APIBase        string `ini:"api_base"`        // 控制器地址, e.g. http://127.0.0.1:9090
	Secret         string `ini:"secret"`          // Bearer secret, 可为空
	Group          string `ini:"group"`           // 被切换的选择器分组
	Ingress        string `ini:"ingress"`         // 本地入口, http:// 或 socks5://
	RequestTimeout int    `ini:"request_timeout"` // 控制器请求超时 (秒)
	RetryCount     int    `ini:"retry_count"`     // 切换请求的重试次数
}

// HealthConf 包含健康检查相关配置
type HealthConf struct {
	Strategy           string   `ini:"strategy"`        // basic | adaptive
	Timeout            int      `ini:"timeout"`         // 单次探测总超时 (秒)
	RequestTimeout     int      `ini:"request_timeout"` // 单个目标的子超时 (秒)
	MaxConcurrent      int      `ini:"max_concurrent"`
	TestURLs           []string `ini:"test_urls" delim:","`
	MinSuccessRate     float64  `ini:"min_success_rate"`
	StopOnFirstSuccess bool     `ini:"stop_on_first_success"`
	BaseInterval       int      `ini:"base_interval"` // 秒
	MinInterval        int      `ini:"min_interval"`
	MaxInterval        int      `ini:"max_interval"`
	WindowSize         int      `ini:"window_size"`
	MaxAgeHours        int      `ini:"max_age_hours"`
	AutoStart          bool     `ini:"auto_start"` // 启动时自动开启后台调度
}

// SelectorConf 包含代理选择器配置
type SelectorConf struct {
	Strategy         string  `ini:"strategy"` // health_weighted, round_robin, least_used, random
	HealthyThreshold float64 `ini:"healthy_threshold"`
	FallbackToAll    bool    `ini:"fallback_to_all"`
}

// RoutingConf 包含路由规则匹配配置
type RoutingConf struct {
	CacheSize          int      `ini:"cache_size"`
	EnableDefaultRules bool     `ini:"enable_default_rules"`
	Rules              []string `ini:"rules" delim:","`
	Templates          []string `ini:"templates" delim:","`
}

// RosterConf 描述代理名册的来源与刷新
type RosterConf struct {
	File            string `ini:"file"`             // Clash 风格 YAML, 相对于配置目录
	UseController   bool   `ini:"use_controller"`   // 同时从控制器分组读取成员
	RefreshInterval int    `ini:"refresh_interval"` // 秒, 0 表示不刷新
	SnapshotFile    string `ini:"snapshot_file"`    // 健康快照文件, 为空则不持久化
}

// LocalConf 包含本地管理接口的配置
type LocalConf struct {
	WebPort     int    `ini:"web_port"`
	WebUser     string `ini:"web_user"`
	WebPassword string `ini:"web_password"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level  string `ini:"level"`
	Format string `ini:"format"` // console | json
}

// Config 是统一的行为配置结构体
type Config struct {
	EngineConf   `ini:"engine"`
	HealthConf   `ini:"health"`
	SelectorConf `ini:"selector"`
	RoutingConf  `ini:"routing"`
	RosterConf   `ini:"roster"`
	LocalConf    `ini:"local"`
	LogConf      `ini:"log"`
}

// DefaultConfig 返回所有键的默认值。ini 文件中缺失的键保持这里的值。
func DefaultConfig() *Config {
	return &Config{
		EngineConf: EngineConf{
			APIBase:        "http://127.0.0.1:9090",
			Group:          "PROXY",
			Ingress:        "http://127.0.0.1:7890",
			RequestTimeout: 10,
			RetryCount:     3,
		},
		HealthConf: HealthConf{
			Strategy:       "adaptive",
			Timeout:        15,
			RequestTimeout: 10,
			MaxConcurrent:  10,
			TestURLs: []string{
				"http://httpbin.org/ip",
				"http://www.gstatic.com/generate_204",
				"https://www.google.com/generate_204",
			},
			MinSuccessRate: 0.1,
			BaseInterval:   300,
			MinInterval:    60,
			MaxInterval:    1800,
			WindowSize:     10,
			MaxAgeHours:    24,
			AutoStart:      true,
		},
		SelectorConf: SelectorConf{
			Strategy:         "health_weighted",
			HealthyThreshold: 0.1,
			FallbackToAll:    true,
		},
		RoutingConf: RoutingConf{
			CacheSize:          1000,
			EnableDefaultRules: true,
		},
		RosterConf: RosterConf{
			File:            "proxies.yaml",
			RefreshInterval: 600,
			SnapshotFile:    "health_snapshot.txt",
		},
		LocalConf: LocalConf{WebPort: 8090},
		LogConf:   LogConf{Level: "info", Format: "console"},
	}
}
