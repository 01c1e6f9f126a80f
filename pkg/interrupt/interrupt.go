// Package interrupt 把进程中断信号转换成一个可注入的取消标记。
//
// 处理函数只翻转标记并取消绑定的 context，不做 I/O；
// 下载在块边界上轮询 Token，阻塞中的读取由 context 打断。
package interrupt

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Token 是一次下载操作拥有的取消标记，零值可用
type Token struct {
	flag atomic.Bool

	mu      sync.Mutex
	next    int
	cancels map[int]context.CancelFunc
}

func (t *Token) Cancel() {
	t.mu.Lock()
	t.flag.Store(true)
	cancels := t.cancels
	t.cancels = nil
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (t *Token) Cancelled() bool {
	return t != nil && t.flag.Load()
}

// Context 返回一个在 t 被取消时随之取消的 parent 子 context。
// 调用方用完后必须调用返回的 cancel。
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	t.mu.Lock()
	if t.flag.Load() {
		t.mu.Unlock()
		cancel()
		return ctx, cancel
	}
	if t.cancels == nil {
		t.cancels = make(map[int]context.CancelFunc)
	}
	id := t.next
	t.next++
	t.cancels[id] = cancel
	t.mu.Unlock()

	return ctx, func() {
		t.mu.Lock()
		delete(t.cancels, id)
		t.mu.Unlock()
		cancel()
	}
}

// Notify 在 SIGINT/SIGTERM 到达时取消 t，返回的 release 恢复原先的信号处理。
// 只拦截第一个信号，之后的信号按默认方式处理，连按两次 Ctrl-C 可以直接结束进程。
// release 可以重复调用。
func Notify(t *Token, sigs ...os.Signal) (release func()) {
	return notify(t, make(chan os.Signal, 1), sigs...)
}

func notify(t *Token, ch chan os.Signal, sigs ...os.Signal) func() {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	done := make(chan struct{})
	signal.Notify(ch, sigs...)

	go func() {
		select {
		case <-ch:
			signal.Stop(ch)
			t.Cancel()
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
