package dl

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/timerzz/bdl/pkg/utils"
	"gopkg.in/yaml.v3"
)

// ExistingPolicy 决定没有checkpoint时，如何对待已经存在的完整文件
type ExistingPolicy string

const (
	// ExistingRedownload 不信任外部放置的文件，总是重新下载
	ExistingRedownload ExistingPolicy = "redownload"
	// ExistingVerify 大小与探测结果一致且sha256与期望值相同时直接视为成功
	ExistingVerify ExistingPolicy = "verify"
)

const (
	DefaultChunkSize  = 1 << 20
	DefaultMaxRetries = 3
)

type Config struct {
	// 传输层对 HEAD/GET 的重试，指数退避
	RetryCount       int           `yaml:"retry_count" validate:"gte=0"`
	RetryMinBackoff  time.Duration `yaml:"retry_min_backoff" validate:"gte=0"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff" validate:"gte=0"`
	RetryStatusCodes []int         `yaml:"retry_status_codes" validate:"dive,gte=100,lte=599"`

	// 每个url最多尝试 MaxRetries 次，两次之间固定等待 RetryDelay
	MaxRetries int           `yaml:"max_retries" validate:"gte=1"`
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`

	ChunkSize int64 `yaml:"chunk_size" validate:"gt=0"`
	RateLimit int64 `yaml:"rate_limit" validate:"gte=0"` // 字节/秒，0 不限速

	// 探测请求、tls握手以及等待服务器数据的超时
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
	Proxy     string        `yaml:"proxy" validate:"omitempty,url"`
	UserAgent string        `yaml:"user_agent"`

	ExistingFile ExistingPolicy `yaml:"existing_file" validate:"oneof=redownload verify"`

	Logger *logrus.Logger `yaml:"-" validate:"-"`
}

func DefaultConfig() Config {
	return Config{
		RetryCount:       3,
		RetryMinBackoff:  time.Second,
		RetryMaxBackoff:  30 * time.Second,
		RetryStatusCodes: []int{429, 500, 502, 503, 504},
		MaxRetries:       DefaultMaxRetries,
		RetryDelay:       time.Second,
		ChunkSize:        DefaultChunkSize,
		Timeout:          15 * time.Second,
		ExistingFile:     ExistingRedownload,
	}
}

// yamlConfig 大小和时长在文件里写成字符串，如 "1MiB"、"500ms"
type yamlConfig struct {
	RetryCount       *int   `yaml:"retry_count"`
	RetryMinBackoff  string `yaml:"retry_min_backoff"`
	RetryMaxBackoff  string `yaml:"retry_max_backoff"`
	RetryStatusCodes []int  `yaml:"retry_status_codes"`
	MaxRetries       int    `yaml:"max_retries"`
	RetryDelay       string `yaml:"retry_delay"`
	ChunkSize        string `yaml:"chunk_size"`
	RateLimit        string `yaml:"rate_limit"`
	Timeout          string `yaml:"timeout"`
	Proxy            string `yaml:"proxy"`
	UserAgent        string `yaml:"user_agent"`
	ExistingFile     string `yaml:"existing_file"`
}

// LoadConfig 在 DefaultConfig 的基础上读取yaml文件
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "读取配置文件%s失败", path)
	}

	var yc yamlConfig
	if err = yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, errors.Wrapf(err, "解析配置文件%s失败", path)
	}

	cfg := DefaultConfig()
	if yc.RetryCount != nil {
		cfg.RetryCount = *yc.RetryCount
	}
	if yc.RetryStatusCodes != nil {
		cfg.RetryStatusCodes = yc.RetryStatusCodes
	}
	if yc.MaxRetries != 0 {
		cfg.MaxRetries = yc.MaxRetries
	}
	if yc.Proxy != "" {
		cfg.Proxy = yc.Proxy
	}
	if yc.UserAgent != "" {
		cfg.UserAgent = yc.UserAgent
	}
	if yc.ExistingFile != "" {
		cfg.ExistingFile = ExistingPolicy(yc.ExistingFile)
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"retry_min_backoff", yc.RetryMinBackoff, &cfg.RetryMinBackoff},
		{"retry_max_backoff", yc.RetryMaxBackoff, &cfg.RetryMaxBackoff},
		{"retry_delay", yc.RetryDelay, &cfg.RetryDelay},
		{"timeout", yc.Timeout, &cfg.Timeout},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		if *d.out, err = time.ParseDuration(d.in); err != nil {
			return Config{}, errors.Wrapf(err, "解析%s失败", d.name)
		}
	}

	sizes := []struct {
		name string
		in   string
		out  *int64
	}{
		{"chunk_size", yc.ChunkSize, &cfg.ChunkSize},
		{"rate_limit", yc.RateLimit, &cfg.RateLimit},
	}
	for _, s := range sizes {
		if s.in == "" {
			continue
		}
		if *s.out, err = utils.ParseSize(s.in); err != nil {
			return Config{}, errors.Wrapf(err, "解析%s失败", s.name)
		}
	}

	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New()
	var ok bool
	translator, ok = ut.New(en.New(), en.New()).GetTranslator("en")
	if !ok {
		panic("dl: failed to get 'en' translator")
	}
	if err := en_translations.RegisterDefaultTranslations(validate, translator); err != nil {
		panic(err)
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate 检查配置，错误信息为每个字段的英文描述
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	verrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	parts := make([]string, 0, len(verrors))
	for _, v := range verrors {
		parts = append(parts, v.Translate(translator))
	}
	return errors.Errorf("配置错误: %s", strings.Join(parts, "; "))
}

// withDefaults 用默认值补齐零值字段
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.RetryStatusCodes == nil {
		c.RetryStatusCodes = def.RetryStatusCodes
	}
	if c.ExistingFile == "" {
		c.ExistingFile = ExistingRedownload
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}
