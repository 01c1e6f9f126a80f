package dl

import (
	"context"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Capabilities 是一次探测的结果，Size 为 -1 表示未知
type Capabilities struct {
	Resumable bool
	Size      int64
}

// Resumable 模式要求支持Range并且知道总大小；
// 空文件没有可以续传的内容，也走整体下载。
func (c Capabilities) useRanges() bool {
	return c.Resumable && c.Size > 0
}

// Probe 发送HEAD请求了解文件大小以及是否支持断点续传。
// 任何失败都只会降级为整体下载，不会返回错误。
func (d *Downloader) Probe(ctx context.Context, url string) Capabilities {
	return d.probe(ctx, d.log.WithField("url", url), url)
}

func (d *Downloader) probe(ctx context.Context, log *logrus.Entry, url string) Capabilities {
	caps := Capabilities{Size: -1}
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	resp, err := d.client.R().SetContext(ctx).Head(url)
	if err != nil {
		log.Warnf("探测失败：%v", err)
		return caps
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warnf("探测失败：%s", resp.Status)
		return caps
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			caps.Size = n
		}
	} else if resp.ContentLength >= 0 {
		caps.Size = resp.ContentLength
	}
	caps.Resumable = strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
	return caps
}
