package dl

import (
	"path/filepath"
	"strings"

	"github.com/timerzz/bdl/pkg/interrupt"
	"github.com/timerzz/bdl/pkg/utils"
)

// ProgressFunc 在每个块写入（可续传模式下为checkpoint保存）之后调用，total 为 -1 表示未知
type ProgressFunc func(done, total int64)

type options struct {
	checksum   string
	localFile  string
	localDir   string
	maxRetries int
	token      *interrupt.Token
	signals    bool
	progress   ProgressFunc
}

// Option 是单次 Download 调用的参数
type Option func(*options)

// WithChecksum 设置期望的sha256（十六进制）
func WithChecksum(sha256 string) Option {
	return func(o *options) {
		o.checksum = strings.ToLower(strings.TrimSpace(sha256))
	}
}

// WithLocalFile 指定本地文件名，不指定时取每个url路径的最后一段
func WithLocalFile(name string) Option {
	return func(o *options) {
		o.localFile = name
	}
}

// WithLocalDirectory 指定保存目录，不存在时会被创建
func WithLocalDirectory(dir string) Option {
	return func(o *options) {
		o.localDir = dir
	}
}

func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithToken 使用调用方的取消标记
func WithToken(t *interrupt.Token) Option {
	return func(o *options) {
		o.token = t
	}
}

// WithoutSignalHandler 不安装 SIGINT 处理
func WithoutSignalHandler() Option {
	return func(o *options) {
		o.signals = false
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(o *options) {
		o.progress = fn
	}
}

func (d *Downloader) options(opts []Option) *options {
	o := &options{
		maxRetries: d.cfg.MaxRetries,
		signals:    true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxRetries <= 0 {
		o.maxRetries = d.cfg.MaxRetries
	}
	if o.token == nil {
		o.token = &interrupt.Token{}
	}
	return o
}

// destination 为 rawURL 计算本地路径
func (o *options) destination(rawURL string) (string, error) {
	name := o.localFile
	if name == "" {
		var err error
		if name, err = utils.FileName(rawURL); err != nil {
			return "", err
		}
	}
	if o.localDir != "" {
		name = filepath.Join(o.localDir, name)
	}
	return name, nil
}
