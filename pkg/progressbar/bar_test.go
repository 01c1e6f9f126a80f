package progressbar

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestFinishRendersLastFrame(t *testing.T) {
	var out bytes.Buffer
	finished := false
	b := New(
		WithOutput(&out),
		WithInterval(time.Hour),
		WithTitle("下载"),
		WithStepHook(func(b *Bar) {
			b.SetTotal(2048)
			b.SetCur(1024)
		}),
		WithFinishHook(func() { finished = true }),
	)
	go b.Run()
	b.Finish()

	if !finished {
		t.Fatal("finish hook not called")
	}
	s := out.String()
	if !strings.Contains(s, "50.00%") || !strings.Contains(s, "1.0 KiB/2.0 KiB") {
		t.Fatalf("unexpected frame %q", s)
	}
}

func TestUnknownTotal(t *testing.T) {
	var out bytes.Buffer
	b := New(WithOutput(&out), WithInterval(time.Hour), WithStepHook(func(b *Bar) {
		b.SetCur(4096)
	}))
	go b.Run()
	b.Finish()

	if s := out.String(); strings.Contains(s, "%") || !strings.Contains(s, "4.0 KiB") {
		t.Fatalf("unexpected frame %q", s)
	}
}
