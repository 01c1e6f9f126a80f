package dl

import (
	"context"
	"io"
	"time"
)

// watchdog 在一次等待服务器数据的时间超过 timeout 时以 ErrStalled 取消本次尝试。
// 只在等待响应头和读取响应体时计时，写盘和限速等待不计入。
type watchdog struct {
	timeout time.Duration
	timer   *time.Timer
}

func newWatchdog(timeout time.Duration, cancel context.CancelCauseFunc) *watchdog {
	if timeout <= 0 {
		return nil
	}
	w := &watchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() { cancel(ErrStalled) })
	w.timer.Stop()
	return w
}

func (w *watchdog) arm() {
	if w != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) disarm() {
	if w != nil {
		w.timer.Stop()
	}
}

// reader 让每次 Read 都处于计时之下
func (w *watchdog) reader(r io.Reader) io.Reader {
	if w == nil {
		return r
	}
	return &watchedReader{r: r, w: w}
}

type watchedReader struct {
	r io.Reader
	w *watchdog
}

func (r *watchedReader) Read(p []byte) (int, error) {
	r.w.arm()
	defer r.w.disarm()
	return r.r.Read(p)
}
