package dl

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/imroc/req/v3"
	"github.com/pkg/errors"
)

// newClient 返回探测用的客户端和流式GET用的客户端。
// 两者共享重试策略：只有 HEAD/GET 会经过这里，都是幂等请求。
func newClient(cfg Config) (probe, stream *req.Client) {
	client := req.C().
		DisableCompression().
		DisableAutoDecode().
		SetCommonHeader("Accept-Encoding", "identity")
	if cfg.Proxy != "" {
		client = client.SetProxyURL(cfg.Proxy)
	}
	if cfg.UserAgent != "" {
		client = client.SetUserAgent(cfg.UserAgent)
	}
	if cfg.Timeout > 0 {
		client = client.SetTLSHandshakeTimeout(cfg.Timeout)
	}
	if cfg.RetryCount > 0 {
		retryable := make(map[int]bool, len(cfg.RetryStatusCodes))
		for _, code := range cfg.RetryStatusCodes {
			retryable[code] = true
		}
		client = client.
			SetCommonRetryCount(cfg.RetryCount).
			SetCommonRetryBackoffInterval(cfg.RetryMinBackoff, cfg.RetryMaxBackoff).
			SetCommonRetryCondition(func(resp *req.Response, err error) bool {
				if err != nil {
					return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
				}
				return resp != nil && resp.Response != nil && retryable[resp.StatusCode]
			})
	}
	// 整个请求的超时会打断大文件的下载，流式GET只依赖 ctx
	return client, client.Clone().SetTimeout(0).DisableAutoReadResponse()
}

// get 发起流式GET，ranged 为 true 时带上 Range: bytes=<offset>-
func (d *Downloader) get(ctx context.Context, url string, ranged bool, offset int64) (*req.Response, error) {
	r := d.stream.R().SetContext(ctx)
	if ranged {
		r.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := r.Get(url)
	if err != nil {
		closeBody(resp)
		return nil, errors.Wrapf(err, "请求%s失败", url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		closeBody(resp)
		return nil, errors.Wrapf(ErrHTTPStatus, "%s: %s", url, resp.Status)
	}
	return resp, nil
}

func closeBody(resp *req.Response) {
	if resp != nil && resp.Response != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// checkRange 确认服务器从 offset 开始返回数据
func checkRange(resp *req.Response, offset int64) error {
	cr := resp.Header.Get("Content-Range")
	if cr == "" {
		if resp.StatusCode == 200 && offset > 0 {
			return errors.Wrapf(ErrRangeIgnored, "期望从%d开始", offset)
		}
		return nil
	}
	start, _, _, err := parseContentRange(cr)
	if err != nil {
		return err
	}
	if start != offset {
		return errors.Wrapf(ErrRangeIgnored, "期望从%d开始，实际为%d", offset, start)
	}
	return nil
}

// parseContentRange 解析 "bytes start-end/total"，total 未知时为 -1
func parseContentRange(header string) (start, end, total int64, err error) {
	s := strings.TrimPrefix(strings.TrimSpace(header), "bytes ")
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0, 0, errors.Errorf("非法的Content-Range: %s", header)
	}
	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, errors.Errorf("非法的Content-Range: %s", header)
	}
	if start, err = strconv.ParseInt(rangeParts[0], 10, 64); err != nil {
		return 0, 0, 0, errors.Wrapf(err, "非法的Content-Range: %s", header)
	}
	if end, err = strconv.ParseInt(rangeParts[1], 10, 64); err != nil {
		return 0, 0, 0, errors.Wrapf(err, "非法的Content-Range: %s", header)
	}
	if parts[1] == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, errors.Wrapf(err, "非法的Content-Range: %s", header)
	}
	return start, end, total, nil
}
