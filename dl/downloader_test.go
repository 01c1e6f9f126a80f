package dl

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/timerzz/bdl/pkg/checkpoint"
	"github.com/timerzz/bdl/pkg/hasher"
	"github.com/timerzz/bdl/pkg/interrupt"
)

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: got %d bytes, want %d", path, len(got), len(want))
	}
}

func assertNoCheckpoint(t *testing.T, dest string) {
	t.Helper()
	if _, err := os.Stat(dest + checkpoint.Suffix); !os.IsNotExist(err) {
		t.Fatalf("checkpoint for %s still exists: %v", dest, err)
	}
}

// saveCheckpoint 伪造一个写到 written 字节时留下的checkpoint
func saveCheckpoint(t *testing.T, dest string, data []byte, written int64) {
	t.Helper()
	h := hasher.New()
	_, _ = h.Write(data[:written])
	state, err := h.State()
	if err != nil {
		t.Fatal(err)
	}
	err = checkpoint.For(dest).Save(&checkpoint.Checkpoint{Total: int64(len(data)), Written: written, State: state})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	chunk := int(testConfig().ChunkSize)
	for _, resumable := range []bool{true, false} {
		for _, n := range []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk} {
			data := payload(n)
			var opts []serverOption
			if !resumable {
				opts = append(opts, noRanges)
			}
			srv := newFileServer(t, data, opts...)
			dir := t.TempDir()

			d := New(testConfig())
			ok, err := d.Download(context.Background(), []string{srv.URL + "/file.bin"},
				WithLocalDirectory(dir), WithChecksum(sum(data)), WithoutSignalHandler())
			if err != nil || !ok {
				t.Fatalf("resumable=%v n=%d: ok=%v err=%v", resumable, n, ok, err)
			}
			dest := filepath.Join(dir, "file.bin")
			assertFile(t, dest, data)
			assertNoCheckpoint(t, dest)

			if done, total := d.Progress(); done != int64(n) || total != int64(n) {
				t.Errorf("resumable=%v n=%d: progress %d/%d", resumable, n, done, total)
			}
			if d.DownloadSize() != int64(n) {
				t.Errorf("resumable=%v n=%d: download size %d", resumable, n, d.DownloadSize())
			}
			gets := srv.gets()
			if len(gets) != 1 {
				t.Fatalf("resumable=%v n=%d: %d GETs", resumable, n, len(gets))
			}
			if want := resumable && n > 0; (gets[0] == "bytes=0-") != want {
				t.Errorf("resumable=%v n=%d: Range %q", resumable, n, gets[0])
			}
		}
	}
}

func TestDownloadWithoutChecksum(t *testing.T) {
	data := payload(10000)
	srv := newFileServer(t, data)
	dir := t.TempDir()

	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/a/b/c.iso"},
		WithLocalDirectory(dir), WithLocalFile("out.iso"), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	assertFile(t, filepath.Join(dir, "out.iso"), data)
}

func TestResumeAfterDrop(t *testing.T) {
	const mib = 1 << 20
	data := payload(mib + 10)
	srv := newFileServer(t, data, dropAfter(mib))
	dir := t.TempDir()

	cfg := testConfig()
	cfg.ChunkSize = 64 << 10
	ok, err := New(cfg).Download(context.Background(), []string{srv.URL + "/big.bin"},
		WithLocalDirectory(dir), WithChecksum(sum(data)), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	want := []string{"bytes=0-", "bytes=1048576-"}
	if got := srv.gets(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ranges = %v, want %v", got, want)
	}
	dest := filepath.Join(dir, "big.bin")
	assertFile(t, dest, data)
	assertNoCheckpoint(t, dest)
}

func TestCheckpointTracksDisk(t *testing.T) {
	data := payload(40000)
	srv := newFileServer(t, data)
	dir := t.TempDir()
	dest := filepath.Join(dir, "f.bin")
	store := checkpoint.For(dest)

	var last int64
	calls := 0
	progress := func(done, total int64) {
		calls++
		cp, err := store.Load()
		if err != nil {
			t.Errorf("load checkpoint: %v", err)
			return
		}
		fi, err := os.Stat(dest)
		if err != nil {
			t.Errorf("stat: %v", err)
			return
		}
		if cp.Written != done || cp.Written < last || fi.Size() != cp.Written || total != int64(len(data)) {
			t.Errorf("done=%d total=%d checkpoint=%d last=%d file=%d", done, total, cp.Written, last, fi.Size())
		}
		last = cp.Written
	}
	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(dir), WithProgress(progress), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if want := (len(data) + 4095) / 4096; calls != want {
		t.Errorf("progress called %d times, want %d", calls, want)
	}
}

func TestResumeFromExistingCheckpoint(t *testing.T) {
	data := payload(32 << 10)

	cases := []struct {
		name  string
		setup func(t *testing.T, dest string)
		want  string
	}{
		{
			name: "resume",
			setup: func(t *testing.T, dest string) {
				_ = os.WriteFile(dest, data[:8192], 0644)
				saveCheckpoint(t, dest, data, 8192)
			},
			want: "bytes=8192-",
		},
		{
			name: "unconfirmed tail",
			setup: func(t *testing.T, dest string) {
				_ = os.WriteFile(dest, append(append([]byte{}, data[:8192]...), bytes.Repeat([]byte{0xff}, 1000)...), 0644)
				saveCheckpoint(t, dest, data, 8192)
			},
			want: "bytes=8192-",
		},
		{
			name: "corrupt checkpoint",
			setup: func(t *testing.T, dest string) {
				_ = os.WriteFile(dest, data[:8192], 0644)
				_ = os.WriteFile(dest+checkpoint.Suffix, []byte("garbage"), 0644)
			},
			want: "bytes=0-",
		},
		{
			name: "missing file",
			setup: func(t *testing.T, dest string) {
				saveCheckpoint(t, dest, data, 8192)
			},
			want: "bytes=0-",
		},
		{
			name: "short file",
			setup: func(t *testing.T, dest string) {
				_ = os.WriteFile(dest, data[:100], 0644)
				saveCheckpoint(t, dest, data, 8192)
			},
			want: "bytes=0-",
		},
		{
			name: "size changed",
			setup: func(t *testing.T, dest string) {
				_ = os.WriteFile(dest, data[:8192], 0644)
				saveCheckpoint(t, dest, append(append([]byte{}, data...), 1), 8192)
			},
			want: "bytes=0-",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := newFileServer(t, data)
			dir := t.TempDir()
			dest := filepath.Join(dir, "f.bin")
			c.setup(t, dest)

			ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin"},
				WithLocalDirectory(dir), WithChecksum(sum(data)), WithoutSignalHandler())
			if err != nil || !ok {
				t.Fatalf("ok=%v err=%v", ok, err)
			}
			if got := srv.gets(); len(got) != 1 || got[0] != c.want {
				t.Fatalf("ranges = %v, want [%s]", got, c.want)
			}
			assertFile(t, dest, data)
			assertNoCheckpoint(t, dest)
		})
	}
}

func TestOffsetPastEnd(t *testing.T) {
	data := payload(8192)
	srv := newFileServer(t, data)
	dir := t.TempDir()
	dest := filepath.Join(dir, "f.bin")
	_ = os.WriteFile(dest, data, 0644)
	saveCheckpoint(t, dest, data, int64(len(data)))

	// 第一次尝试失败并清理，第二次从头下载
	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(dir), WithChecksum(sum(data)), WithMaxRetries(2), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got := srv.gets(); !reflect.DeepEqual(got, []string{"bytes=0-"}) {
		t.Fatalf("ranges = %v", got)
	}
	assertFile(t, dest, data)
	assertNoCheckpoint(t, dest)
}

func TestOffsetPastEndSingleAttempt(t *testing.T) {
	data := payload(8192)
	srv := newFileServer(t, data)
	dir := t.TempDir()
	dest := filepath.Join(dir, "f.bin")
	_ = os.WriteFile(dest, data, 0644)
	saveCheckpoint(t, dest, data, int64(len(data)))

	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(dir), WithMaxRetries(1), WithoutSignalHandler())
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got := srv.gets(); len(got) != 0 {
		t.Fatalf("unexpected GETs %v", got)
	}
	assertNoCheckpoint(t, dest)
	if _, err = os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("unconfirmed file kept: %v", err)
	}
}

func TestRangeIgnored(t *testing.T) {
	data := payload(32 << 10)
	srv := newFileServer(t, data, ignoreRange)
	dir := t.TempDir()
	dest := filepath.Join(dir, "f.bin")
	_ = os.WriteFile(dest, data[:8192], 0644)
	saveCheckpoint(t, dest, data, 8192)

	d := New(testConfig())
	ok, err := d.Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(dir), WithMaxRetries(1), WithoutSignalHandler())
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	cp, err := checkpoint.For(dest).Load()
	if err != nil || cp.Written != 8192 {
		t.Fatalf("checkpoint = %+v, %v", cp, err)
	}
	if done, total := d.Progress(); done != 0 || total != 0 {
		t.Errorf("progress not rolled back: %d/%d", done, total)
	}
}

func TestFailover(t *testing.T) {
	data := payload(5000)
	good := newFileServer(t, data)
	bad := httptest.NewServer(http.NotFoundHandler())
	defer bad.Close()
	dir := t.TempDir()

	ok, err := New(testConfig()).Download(context.Background(),
		[]string{bad.URL + "/mirror/a.bin", good.URL + "/b.bin"},
		WithLocalDirectory(dir), WithChecksum(sum(data)), WithMaxRetries(2), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	assertFile(t, filepath.Join(dir, "b.bin"), data)
	if _, err = os.Stat(filepath.Join(dir, "a.bin")); !os.IsNotExist(err) {
		t.Errorf("failed url left a file: %v", err)
	}
}

func TestUnusableURLSkipped(t *testing.T) {
	data := payload(100)
	srv := newFileServer(t, data)
	dir := t.TempDir()

	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/", srv.URL + "/x.bin"},
		WithLocalDirectory(dir), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got := srv.gets(); len(got) != 1 {
		t.Fatalf("GETs = %v", got)
	}
}

func TestChecksumMismatch(t *testing.T) {
	data := payload(9000)
	srv := newFileServer(t, data)
	dir := t.TempDir()

	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(dir), WithChecksum(strings.Repeat("0", 64)), WithMaxRetries(2), WithoutSignalHandler())
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	dest := filepath.Join(dir, "f.bin")
	if _, err = os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("mismatched file kept: %v", err)
	}
	assertNoCheckpoint(t, dest)
	if got := srv.gets(); len(got) != 2 {
		t.Errorf("GETs = %v, want 2 attempts", got)
	}
}

func TestChecksumCaseInsensitive(t *testing.T) {
	data := payload(300)
	srv := newFileServer(t, data)

	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(t.TempDir()), WithChecksum(" "+strings.ToUpper(sum(data))+"\n"), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestAbortAtChunkBoundary(t *testing.T) {
	for _, resumable := range []bool{true, false} {
		data := payload(64 << 10)
		var opts []serverOption
		if !resumable {
			opts = append(opts, noRanges)
		}
		srv := newFileServer(t, data, opts...)
		dir := t.TempDir()
		dest := filepath.Join(dir, "f.bin")

		token := &interrupt.Token{}
		progress := func(done, total int64) {
			if done >= 16<<10 {
				token.Cancel()
			}
		}
		ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin", srv.URL + "/g.bin"},
			WithLocalDirectory(dir), WithToken(token), WithProgress(progress), WithoutSignalHandler())
		if ok || !errors.Is(err, ErrAborted) {
			t.Fatalf("resumable=%v: ok=%v err=%v", resumable, ok, err)
		}
		if got := srv.gets(); len(got) != 1 {
			t.Fatalf("resumable=%v: abort was retried: %v", resumable, got)
		}
		if !resumable {
			assertNoCheckpoint(t, dest)
			continue
		}
		cp, err := checkpoint.For(dest).Load()
		if err != nil {
			t.Fatal(err)
		}
		fi, err := os.Stat(dest)
		if err != nil {
			t.Fatal(err)
		}
		if cp.Written != 16<<10 || fi.Size() != cp.Written {
			t.Fatalf("checkpoint=%d file=%d", cp.Written, fi.Size())
		}
	}
}

func TestAbortByContext(t *testing.T) {
	data := payload(64 << 10)
	srv := newFileServer(t, data)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ok, err := New(testConfig()).Download(ctx, []string{srv.URL + "/f.bin"},
		WithLocalDirectory(t.TempDir()), WithProgress(func(done, total int64) { cancel() }), WithoutSignalHandler())
	if ok || !errors.Is(err, ErrAborted) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestAbortedBeforeStart(t *testing.T) {
	srv := newFileServer(t, payload(10))
	token := &interrupt.Token{}
	token.Cancel()

	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(t.TempDir()), WithToken(token), WithoutSignalHandler())
	if ok || !errors.Is(err, ErrAborted) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got := srv.gets(); len(got) != 0 {
		t.Fatalf("GETs = %v", got)
	}
}

func TestProbeFailureFallsBackToFull(t *testing.T) {
	data := payload(10000)
	srv := newFileServer(t, data, noHead)
	dir := t.TempDir()

	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(dir), WithChecksum(sum(data)), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got := srv.gets(); len(got) != 1 || got[0] != "" {
		t.Fatalf("ranges = %q", got)
	}
	assertFile(t, filepath.Join(dir, "f.bin"), data)
}

func TestExistingFilePolicy(t *testing.T) {
	data := payload(20000)
	cases := []struct {
		name     string
		policy   ExistingPolicy
		checksum bool
		gets     int
	}{
		{"verify", ExistingVerify, true, 0},
		{"verify without checksum", ExistingVerify, false, 1},
		{"redownload", ExistingRedownload, true, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := newFileServer(t, data)
			dir := t.TempDir()
			dest := filepath.Join(dir, "f.bin")
			_ = os.WriteFile(dest, data, 0644)

			cfg := testConfig()
			cfg.ExistingFile = c.policy
			opts := []Option{WithLocalDirectory(dir), WithoutSignalHandler()}
			if c.checksum {
				opts = append(opts, WithChecksum(sum(data)))
			}
			ok, err := New(cfg).Download(context.Background(), []string{srv.URL + "/f.bin"}, opts...)
			if err != nil || !ok {
				t.Fatalf("ok=%v err=%v", ok, err)
			}
			if got := srv.gets(); len(got) != c.gets {
				t.Fatalf("GETs = %v, want %d", got, c.gets)
			}
			assertFile(t, dest, data)
		})
	}
}

func TestExistingWrongFileRedownloaded(t *testing.T) {
	data := payload(20000)
	srv := newFileServer(t, data)
	dir := t.TempDir()
	dest := filepath.Join(dir, "f.bin")
	_ = os.WriteFile(dest, bytes.Repeat([]byte{1}, len(data)), 0644)

	cfg := testConfig()
	cfg.ExistingFile = ExistingVerify
	ok, err := New(cfg).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(dir), WithChecksum(sum(data)), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got := srv.gets(); len(got) != 1 {
		t.Fatalf("GETs = %v", got)
	}
	assertFile(t, dest, data)
}

func TestNoURLs(t *testing.T) {
	if _, err := New(testConfig()).Download(context.Background(), nil); !errors.Is(err, ErrNoURLs) {
		t.Fatalf("err = %v", err)
	}
}

func TestCreatesDirectory(t *testing.T) {
	data := payload(10)
	srv := newFileServer(t, data)
	dir := filepath.Join(t.TempDir(), "a", "b")

	ok, err := New(testConfig()).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(dir), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	assertFile(t, filepath.Join(dir, "f.bin"), data)
}

func TestRateLimit(t *testing.T) {
	data := payload(16 << 10)
	srv := newFileServer(t, data)
	cfg := testConfig()
	cfg.RateLimit = 1 << 20

	ok, err := New(cfg).Download(context.Background(), []string{srv.URL + "/f.bin"},
		WithLocalDirectory(t.TempDir()), WithChecksum(sum(data)), WithoutSignalHandler())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}
