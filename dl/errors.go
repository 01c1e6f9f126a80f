package dl

import (
	"github.com/pkg/errors"
)

var (
	// ErrAborted 用户中断，不重试也不被吞掉，直接结束整个下载
	ErrAborted = errors.New("下载被中断")

	ErrNoURLs           = errors.New("没有可下载的url")
	ErrIncomplete       = errors.New("下载未完成")
	ErrSizeInconsistent = errors.New("续传位置不小于文件总大小")
	ErrChecksumMismatch = errors.New("校验值不匹配")
	ErrRangeIgnored     = errors.New("服务器忽略了Range请求")
	ErrHTTPStatus       = errors.New("非预期的http状态码")
	ErrStalled          = errors.New("连接超时未收到数据")
	ErrDuplicateDest    = errors.New("多个任务写入同一个文件")
)
