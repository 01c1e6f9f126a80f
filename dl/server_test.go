package dl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

// fileServer 对任意路径返回同一份数据，并记录收到的请求
type fileServer struct {
	*httptest.Server
	data []byte

	noHead      bool  // HEAD 返回 405
	noRanges    bool  // 不声明 Accept-Ranges
	ignoreRange bool  // 收到 Range 仍返回完整的 200
	dropAfter   int64 // 下一次GET只发送这么多字节就断开
	stallAfter  int64 // 每次GET发送这么多字节后不再发送，直到客户端断开

	mu     sync.Mutex
	heads  int
	ranges []string // 每次GET的Range头，没有时为空串
}

type serverOption func(*fileServer)

func noHead(s *fileServer)      { s.noHead = true }
func noRanges(s *fileServer)    { s.noRanges = true }
func ignoreRange(s *fileServer) { s.ignoreRange = true }

func stallAfter(n int64) serverOption {
	return func(s *fileServer) { s.stallAfter = n }
}

func dropAfter(n int64) serverOption {
	return func(s *fileServer) { s.dropAfter = n }
}

// newFileServer 在启动前应用 opts，之后只有 dropAfter 会在锁内被修改
func newFileServer(t *testing.T, data []byte, opts ...serverOption) *fileServer {
	s := &fileServer{data: data}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *fileServer) handle(w http.ResponseWriter, r *http.Request) {
	size := int64(len(s.data))
	if r.Method == http.MethodHead {
		s.mu.Lock()
		s.heads++
		s.mu.Unlock()
		if s.noHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.noRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		return
	}

	s.mu.Lock()
	rg := r.Header.Get("Range")
	s.ranges = append(s.ranges, rg)
	drop := s.dropAfter
	s.dropAfter = 0
	s.mu.Unlock()

	var start int64
	if rg != "" && !s.ignoreRange {
		if _, err := fmt.Sscanf(rg, "bytes=%d-", &start); err != nil || start >= size {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		w.Header().Set("Content-Length", strconv.FormatInt(size-start, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
	}

	body := s.data[start:]
	if s.stallAfter > 0 && s.stallAfter < int64(len(body)) {
		_, _ = w.Write(body[:s.stallAfter])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}
	if drop > 0 && drop < int64(len(body)) {
		// 声明的长度没有写完，连接会被关闭
		_, _ = w.Write(body[:drop])
		w.(http.Flusher).Flush()
		return
	}
	_, _ = w.Write(body)
}

func (s *fileServer) gets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryCount = 0
	cfg.RetryDelay = 0
	cfg.ChunkSize = 4 << 10
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg.Logger = log
	return cfg
}
