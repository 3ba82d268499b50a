package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	xutil "QuantLab/pkg/util"
)

type Config struct {
	Environment string `yaml:"environment" default:"local" validate:"required"`

	Log struct {
		Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format     string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output     string `yaml:"output" default:"stdout"`
		AlertTopic string `yaml:"alert_topic"`
	} `yaml:"log"`

	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`

	Data struct {
		Source    string   `yaml:"source" default:"csv" validate:"oneof=csv clickhouse"`
		CSVPath   string   `yaml:"csv_path" default:"data/bars.csv"`
		Timeframe string   `yaml:"timeframe" default:"1d" validate:"oneof=1m 5m 1h 1d"`
		Symbols   []string `yaml:"symbols" validate:"min=1,dive,required"`
		From      string   `yaml:"from"`
		To        string   `yaml:"to"`
	} `yaml:"data"`

	Backtest struct {
		InitialCash       float64           `yaml:"initial_cash" default:"1000000" validate:"gt=0"`
		PeriodsPerYear    float64           `yaml:"periods_per_year" validate:"gte=0"`
		FeeBps            float64           `yaml:"fee_bps" default:"1" validate:"gte=0"`
		SlippageBps       float64           `yaml:"slippage_bps" default:"5" validate:"gte=0"`
		CommissionModel   string            `yaml:"commission_model" default:"percentage" validate:"oneof=percentage fixed"`
		CommissionMinimum float64           `yaml:"commission_minimum" validate:"gte=0"`
		CommissionFixed   float64           `yaml:"commission_fixed" validate:"gte=0"`
		Sectors           map[string]string `yaml:"sectors"`
		WarmupBars        int               `yaml:"warmup_bars" default:"20" validate:"gte=0"`
	} `yaml:"backtest"`

	WalkForward struct {
		TrainSize int    `yaml:"train_size" default:"252" validate:"gt=0"`
		TestSize  int    `yaml:"test_size" default:"63" validate:"gt=0"`
		Gap       int    `yaml:"gap" validate:"gte=0"`
		NFolds    int    `yaml:"n_folds" validate:"gte=0"`
		Mode      string `yaml:"mode" default:"rolling" validate:"oneof=rolling expanding split"`
		Workers   int    `yaml:"workers" default:"4" validate:"gte=1"`
	} `yaml:"walk_forward"`

	Risk struct {
		VolTargetAnnual       float64            `yaml:"vol_target_annual" default:"0.15" validate:"gte=0"`
		VolWindow             int                `yaml:"vol_window" default:"20" validate:"gte=2"`
		MaxWeight             float64            `yaml:"max_weight" default:"1" validate:"gte=0"`
		MaxDrawdown           float64            `yaml:"max_drawdown" default:"0.2" validate:"gte=0,lt=1"`
		MaxAllocationPerAsset float64            `yaml:"max_allocation_per_asset" default:"0.25" validate:"gt=0"`
		SectorCaps            map[string]float64 `yaml:"sector_caps" validate:"dive,gte=0"`
		MaxCorrelation        float64            `yaml:"max_correlation" default:"0.9" validate:"gte=0,lte=1"`
		CorrelationWindow     int                `yaml:"correlation_window" default:"60" validate:"gte=2"`
		RegimeThreshold       float64            `yaml:"regime_threshold" validate:"gte=0,lte=1"`
		MinConfidence         float64            `yaml:"min_confidence" validate:"gte=0,lte=1"`
		MinADVFraction        float64            `yaml:"min_adv_fraction" validate:"gte=0"`
		ADVWindow             int                `yaml:"adv_window" default:"20" validate:"gte=1"`
	} `yaml:"risk"`

	Execution struct {
		Algo           string             `yaml:"algo" default:"none" validate:"oneof=none twap vwap"`
		Slices         int                `yaml:"slices" default:"1" validate:"gte=1"`
		Venues         map[string]float64 `yaml:"venues" validate:"dive,gte=0"`
		RateLimitRPS   float64            `yaml:"rate_limit_rps" default:"10" validate:"gte=0"`
		RateLimitBurst float64            `yaml:"rate_limit_burst" default:"10" validate:"gt=0"`
		MaxAttempts    int                `yaml:"max_attempts" default:"3" validate:"gte=1"`
		BackoffMin     time.Duration      `yaml:"backoff_min" default:"1ms"`
		BackoffMax     time.Duration      `yaml:"backoff_max" default:"50ms"`
		FailureRate    float64            `yaml:"failure_rate" validate:"gte=0,lt=1"`
		Seed           int64              `yaml:"seed" default:"1"`
	} `yaml:"execution"`

	Strategy struct {
		Name      string  `yaml:"name" default:"momentum" validate:"oneof=momentum meanrev"`
		Lookback  int     `yaml:"lookback" default:"20" validate:"gte=2"`
		Threshold float64 `yaml:"threshold" validate:"gte=0"`
	} `yaml:"strategy"`

	Sink struct {
		Type string `yaml:"type" default:"csv" validate:"oneof=csv clickhouse none"`
		Dir  string `yaml:"dir" default:"out"`
	} `yaml:"sink"`

	ClickHouse struct {
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"quantlab"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`

	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic" default:"backtest-events"`
		AlertsTopic  string   `yaml:"alerts_topic" default:"backtest-alerts"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"100ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
	} `yaml:"kafka"`

	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Host      string        `yaml:"host" default:"localhost"`
		Port      int           `yaml:"port" default:"6379"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		Prefix    string        `yaml:"prefix" default:"quantlab"`
		ReportTTL time.Duration `yaml:"report_ttl" default:"24h"`
		Queue     struct {
			Workers    int           `yaml:"workers" default:"1"`
			RetryLimit int           `yaml:"retry_limit" default:"2"`
			RetryDelay time.Duration `yaml:"retry_delay" default:"10s"`
		} `yaml:"queue"`
	} `yaml:"redis"`

	Analytics struct {
		RegimeServiceURL string        `yaml:"regime_service_url" validate:"omitempty,url"`
		Timeout          time.Duration `yaml:"timeout" default:"3s"`
		RegimeWindow     int           `yaml:"regime_window" default:"20"`
	} `yaml:"analytics"`
}

var validate = validator.New()

// Default returns a config with every default applied and no file read.
func Default() *Config {
	var c Config
	_ = defaults.Set(&c)
	return &c
}

// Parse applies defaults, overlays the YAML document and validates.
// Keys absent from the document keep their defaults; keys present with a
// zero value stay zero.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv(os.Getenv)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("QUANTLAB_ENV"); v != "" {
		c.Environment = v
	}
	if v := getenv("SYMBOLS"); v != "" {
		c.Data.Symbols = xutil.SplitList(v)
	}
	if v := getenv("DATA_SOURCE"); v != "" {
		c.Data.Source = v
	}
	if v := getenv("CSV_PATH"); v != "" {
		c.Data.CSVPath = v
	}
	if v := getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = xutil.SplitList(v)
		c.Kafka.Enabled = true
	}
	if v := getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
		c.Redis.Enabled = true
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WalkForward.Workers = n
		}
	}
	if v := getenv("REGIME_SERVICE_URL"); v != "" {
		c.Analytics.RegimeServiceURL = v
	}
}

// Validate runs the tag rules and the cross-field checks tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Data.Source == "csv" && c.Data.CSVPath == "" {
		return fmt.Errorf("data.csv_path is required for the csv source")
	}
	if c.Execution.BackoffMin <= 0 || c.Execution.BackoffMax < c.Execution.BackoffMin {
		return fmt.Errorf("execution.backoff_min must be > 0 and <= backoff_max")
	}
	if c.Backtest.CommissionModel == "fixed" && c.Backtest.CommissionFixed <= 0 {
		return fmt.Errorf("backtest.commission_fixed must be > 0 for the fixed model")
	}
	for sym := range c.Backtest.Sectors {
		if sym == "" {
			return fmt.Errorf("backtest.sectors has an empty symbol")
		}
	}
	if c.Data.From != "" {
		if _, ok := xutil.ParseTime(c.Data.From); !ok {
			return fmt.Errorf("data.from: bad time %q", c.Data.From)
		}
	}
	if c.Data.To != "" {
		if _, ok := xutil.ParseTime(c.Data.To); !ok {
			return fmt.Errorf("data.to: bad time %q", c.Data.To)
		}
	}
	return nil
}

// Range returns the parsed data window; zero times mean open.
func (c *Config) Range() (from, to time.Time) {
	from, _ = xutil.ParseTime(c.Data.From)
	to, _ = xutil.ParseTime(c.Data.To)
	return from, to
}

// Venues returns the SOR scores, defaulting to a single venue.
func (c *Config) Venues() map[string]float64 {
	if len(c.Execution.Venues) == 0 {
		return map[string]float64{"primary": 1}
	}
	out := make(map[string]float64, len(c.Execution.Venues))
	for k, v := range c.Execution.Venues {
		out[k] = v
	}
	return out
}
