package dl

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/timerzz/bdl/pkg/interrupt"
	"golang.org/x/time/rate"
)

// Downloader 可以被多个 goroutine 同时使用，前提是它们写入不同的文件。
// 同一个目标文件上的并发下载需要调用方自己串行化。
type Downloader struct {
	cfg    Config
	log    *logrus.Logger
	client *req.Client // 探测
	stream *req.Client // 流式GET

	limiter *rate.Limiter

	downloadSize atomic.Int64 // 写入磁盘的总字节数
	done         atomic.Int64
	total        atomic.Int64
}

func New(cfg Config) *Downloader {
	cfg = cfg.withDefaults()
	d := &Downloader{
		cfg: cfg,
		log: cfg.Logger,
	}
	d.client, d.stream = newClient(cfg)
	if cfg.RateLimit > 0 {
		burst := cfg.RateLimit
		if burst < cfg.ChunkSize {
			burst = cfg.ChunkSize
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(burst))
	}
	return d
}

// Download 使用默认配置下载
func Download(ctx context.Context, urls []string, opts ...Option) (bool, error) {
	return New(DefaultConfig()).Download(ctx, urls, opts...)
}

// Download 依次尝试 urls，直到有一个下载成功并通过校验。
//
// 全部失败时返回 false, nil；用户中断时返回 ErrAborted；
// 其他错误只会在开始下载之前出现（没有url、无法创建目录）。
func (d *Downloader) Download(ctx context.Context, urls []string, opts ...Option) (bool, error) {
	if len(urls) == 0 {
		return false, ErrNoURLs
	}
	o := d.options(opts)
	if o.localDir != "" {
		if err := os.MkdirAll(o.localDir, 0755); err != nil {
			return false, errors.Wrapf(err, "创建目录%s失败", o.localDir)
		}
	}
	if o.signals {
		release := interrupt.Notify(o.token)
		defer release()
	}
	// 取消标记同时取消 ctx，阻塞在读取上的尝试也能立即返回
	ctx, unbind := o.token.Context(ctx)
	defer unbind()

	log := d.log.WithField("download", uuid.NewString())
	for _, url := range urls {
		if aborted(ctx, o.token) {
			log.Warn("收到中断，停止下载")
			return false, ErrAborted
		}
		ok, err := d.tryURL(ctx, log.WithField("url", url), url, o)
		if err != nil {
			log.Warn("收到中断，停止下载")
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	log.Errorf("%d个url全部下载失败", len(urls))
	return false, nil
}

// tryURL 对一个url最多尝试 maxRetries 次，只有中断会返回错误
func (d *Downloader) tryURL(ctx context.Context, log *logrus.Entry, url string, o *options) (bool, error) {
	dest, err := o.destination(url)
	if err != nil {
		log.Warnf("跳过：%v", err)
		return false, nil
	}

	log.Info("开始下载")
	caps := d.probe(ctx, log, url)
	if aborted(ctx, o.token) {
		return false, ErrAborted
	}
	t := &transfer{url: url, dest: dest, total: caps.Size, mode: modeFull}
	if caps.useRanges() {
		t.mode = modeResumable
	}
	log.WithFields(logrus.Fields{
		"resumable": caps.Resumable,
		"size":      caps.Size,
		"mode":      t.mode,
		"dest":      dest,
	}).Info("探测完成")

	for i := 1; i <= o.maxRetries; i++ {
		if i > 1 {
			if err = d.pause(ctx, o.token); err != nil {
				return false, err
			}
		}
		alog := log.WithField("attempt", i)
		m := d.newMeter(o.progress, t.total)

		digest, err := d.attempt(ctx, alog, t, o, m)
		if errors.Is(err, ErrAborted) {
			return false, err
		}
		if err != nil {
			m.rollback()
			alog.Warnf("下载失败：%v", err)
			continue
		}

		if o.checksum == "" {
			alog.Infof("未提供校验值，sha256: %s", digest)
			return true, nil
		}
		if digest == o.checksum {
			alog.Info("校验通过")
			return true, nil
		}

		m.rollback()
		alog.Warnf("%v：期望%s，实际%s", ErrChecksumMismatch, o.checksum, digest)
		if err = os.Remove(dest); err != nil && !os.IsNotExist(err) {
			alog.Warnf("删除%s失败：%v", dest, err)
		}
	}
	return false, nil
}

// pause 在两次尝试之间等待固定时间
func (d *Downloader) pause(ctx context.Context, token *interrupt.Token) error {
	if d.cfg.RetryDelay > 0 {
		timer := time.NewTimer(d.cfg.RetryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	if aborted(ctx, token) {
		return ErrAborted
	}
	return nil
}

func (d *Downloader) count(n int) {
	d.downloadSize.Add(int64(n))
}

func (d *Downloader) throttle(ctx context.Context, n int) error {
	if d.limiter == nil {
		return nil
	}
	// ctx 已取消时不再等待，由调用方在下一个块边界处理中断或超时
	if err := d.limiter.WaitN(ctx, n); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "限速等待失败")
	}
	return nil
}

// DownloadSize 已经写入磁盘的字节数，包括失败的尝试
func (d *Downloader) DownloadSize() int64 {
	return d.downloadSize.Load()
}

// Progress 所有进行中和已完成下载的进度，失败的尝试会被扣除
func (d *Downloader) Progress() (int64, int64) {
	return d.done.Load(), d.total.Load()
}

// meter 记录一次尝试对 Downloader 进度的贡献
type meter struct {
	d     *Downloader
	fn    ProgressFunc
	done  int64
	total int64
}

func (d *Downloader) newMeter(fn ProgressFunc, total int64) *meter {
	m := &meter{d: d, fn: fn, total: total}
	if total > 0 {
		d.total.Add(total)
	}
	return m
}

func (m *meter) start(offset int64) {
	m.done = offset
	m.d.done.Add(offset)
}

func (m *meter) add(n int) {
	m.done += int64(n)
	m.d.done.Add(int64(n))
	if m.fn != nil {
		m.fn(m.done, m.total)
	}
}

func (m *meter) rollback() {
	m.d.done.Add(-m.done)
	if m.total > 0 {
		m.d.total.Add(-m.total)
	}
	m.done, m.total = 0, 0
}
