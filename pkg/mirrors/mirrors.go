// Package mirrors 读取候选 url 列表。
//
// 支持两种格式：以 #EXTM3U 开头的播放列表（按顺序取每个条目的 uri），
// 以及每行一个 url、# 开头为注释的纯文本。
package mirrors

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/pkg/errors"
	"github.com/timerzz/bdl/pkg/utils"
)

var ErrEmpty = errors.New("镜像列表为空")

// Load 读取 path，相对地址按 base 解析
func Load(path, base string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "打开%s失败", path)
	}
	defer f.Close()
	return Parse(f, base)
}

func Parse(r io.Reader, base string) ([]string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "读取镜像列表失败")
	}

	var urls []string
	if bytes.HasPrefix(bytes.TrimSpace(b), []byte("#EXTM3U")) {
		urls, err = parsePlaylist(b)
		if err != nil {
			return nil, err
		}
	} else {
		urls = parseText(b)
	}

	if len(urls) == 0 {
		return nil, ErrEmpty
	}
	for i := range urls {
		urls[i] = utils.ResolveURL(base, urls[i])
	}
	return urls, nil
}

func parsePlaylist(b []byte) ([]string, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(b), false)
	if err != nil {
		return nil, errors.Wrap(err, "播放列表解析失败")
	}

	var urls []string
	switch listType {
	case m3u8.MEDIA:
		for _, seg := range playlist.(*m3u8.MediaPlaylist).Segments {
			if seg != nil && seg.URI != "" {
				urls = append(urls, seg.URI)
			}
		}
	case m3u8.MASTER:
		for _, v := range playlist.(*m3u8.MasterPlaylist).Variants {
			if v != nil && v.URI != "" {
				urls = append(urls, v.URI)
			}
		}
	}
	return urls, nil
}

func parseText(b []byte) []string {
	var urls []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls
}
