package utils

import (
	"time"

	"github.com/dustin/go-humanize"
)

// SpeedFormat 计算自 lastTime 以来传输 size 字节的速率
func SpeedFormat(lastTime time.Time, size int64) string {
	s := time.Since(lastTime).Seconds()
	if s <= 0 || size <= 0 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(float64(size)/s)) + "/s"
}

// SizeFormat 以 IEC 单位格式化字节数，负数表示未知
func SizeFormat(size int64) string {
	if size < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(size))
}

// ParseSize 解析 "1MiB"、"512k" 这样的大小
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
