package dl

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/timerzz/bdl/pkg/checkpoint"
	"github.com/timerzz/bdl/pkg/hasher"
)

// chunkWriter 负责可续传模式下单个块的提交顺序：
// 写入并fsync -> 推进计数 -> 更新摘要 -> 保存checkpoint。
// checkpoint 记录的字节数因此永远不会超过已经落盘的字节数。
type chunkWriter struct {
	f     *os.File
	w     io.Writer // 包装了 f，统计写入量
	hash  *hasher.SHA256
	store *checkpoint.Store

	written int64
	total   int64
}

func (c *chunkWriter) commit(p []byte) error {
	if _, err := c.w.Write(p); err != nil {
		return errors.Wrapf(err, "写入%s失败", c.f.Name())
	}
	if err := c.f.Sync(); err != nil {
		return errors.Wrapf(err, "同步%s失败", c.f.Name())
	}
	c.written += int64(len(p))
	_, _ = c.hash.Write(p)

	state, err := c.hash.State()
	if err != nil {
		return err
	}
	return c.store.Save(&checkpoint.Checkpoint{
		Total:   c.total,
		Written: c.written,
		State:   state,
	})
}

// readChunk 尽量填满 buf。与 io.ReadFull 不同，它原样返回底层错误，
// 正常结束时为 io.EOF，连接提前断开时为 io.ErrUnexpectedEOF 等。
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		nn, err := r.Read(buf[n:])
		n += nn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
