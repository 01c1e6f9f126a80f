package utils

import (
	"net/url"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// ResolveURL 把相对地址解析到 base 上，绝对地址原样返回
func ResolveURL(base, ref string) string {
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") || base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// FileName 取 url 路径的最后一段作为本地文件名
func FileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrapf(err, "解析url %s 失败", rawURL)
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return "", errors.Errorf("无法从 %s 推导文件名", rawURL)
	}
	return name, nil
}
