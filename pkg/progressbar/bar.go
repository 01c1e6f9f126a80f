package progressbar

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/timerzz/bdl/pkg/utils"
)

type cfg struct {
	interval   time.Duration
	stepHook   func(*Bar)
	finishHook func()
	title      string
	out        io.Writer
}

type Bar struct {
	total    int64
	cur      int64
	lastCur  int64
	lastTime time.Time

	cfg cfg

	finish chan struct{}
	done   chan struct{}
}

func New(opts ...Option) *Bar {
	c := cfg{interval: time.Second, out: os.Stdout}
	for _, opt := range opts {
		opt(&c)
	}
	return &Bar{
		cfg:    c,
		finish: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (b *Bar) Run() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.interval)
	defer ticker.Stop()
	b.lastTime = time.Now()
	for {
		select {
		case <-ticker.C:
			if b.cfg.stepHook != nil {
				b.cfg.stepHook(b)
			}
			b.render()
			b.lastTime = time.Now()
			b.lastCur = b.cur
		case <-b.finish:
			if b.cfg.stepHook != nil {
				b.cfg.stepHook(b)
			}
			b.render()
			if b.cfg.finishHook != nil {
				b.cfg.finishHook()
			}
			return
		}
	}
}

func (b *Bar) render() {
	speed := utils.SpeedFormat(b.lastTime, b.cur-b.lastCur)
	if b.total <= 0 {
		fmt.Fprintf(b.cfg.out, "\r %s %10s %20s", b.cfg.title, utils.SizeFormat(b.cur), speed)
		return
	}
	fmt.Fprintf(b.cfg.out, "\r %s %.2f%%  %10s/%s %20s", b.cfg.title, 100*float64(b.cur)/float64(b.total),
		utils.SizeFormat(b.cur), utils.SizeFormat(b.total), speed)
}

func (b *Bar) SetTotal(t int64) {
	b.total = t
}

func (b *Bar) SetCur(t int64) {
	if t < b.lastCur {
		// 换了一个 url 重新开始
		b.lastCur = t
	}
	b.cur = t
}

// Finish 渲染最后一帧并等待 Run 退出
func (b *Bar) Finish() {
	b.finish <- struct{}{}
	<-b.done
}

type Option func(*cfg)

func WithInterval(duration time.Duration) Option {
	return func(cfg *cfg) {
		cfg.interval = duration
	}
}

func WithTitle(title string) Option {
	return func(cfg *cfg) {
		cfg.title = title
	}
}

func WithOutput(w io.Writer) Option {
	return func(cfg *cfg) {
		cfg.out = w
	}
}

func WithStepHook(h func(self *Bar)) Option {
	return func(cfg *cfg) {
		cfg.stepHook = h
	}
}

func WithFinishHook(h func()) Option {
	return func(cfg *cfg) {
		cfg.finishHook = h
	}
}
