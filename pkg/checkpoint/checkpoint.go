// Package checkpoint 保存可续传下载的进度：已写入的字节数和流式摘要的中间状态。
//
// 记录格式（大端）：
//
//	magic "BDCK" | version u8 | total i64 | written u64 | len u32 | hash state | crc32
//
// crc32 覆盖前面所有字节，读不出合法记录的文件一律视为损坏。
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

const (
	Suffix  = ".ckpnt"
	Version = 1

	maxStateLen = 1 << 10
)

var magic = [4]byte{'B', 'D', 'C', 'K'}

var (
	ErrNotFound = errors.New("checkpoint不存在")
	ErrCorrupt  = errors.New("checkpoint已损坏")
	ErrVersion  = errors.New("不支持的checkpoint版本")
)

type Checkpoint struct {
	Total   int64  // 期望的文件总大小
	Written int64  // 已落盘的字节数
	State   []byte // 写入 Written 字节后的摘要状态
}

// Store 独占一个目标文件对应的 checkpoint 文件，不做任何加锁
type Store struct {
	path string
}

// For 返回 dest 对应的 Store
func For(dest string) *Store {
	return &Store{path: dest + Suffix}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load() (*Checkpoint, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "读取%s失败", s.path)
	}
	return Decode(b)
}

// Save 先写临时文件并 fsync，再 rename 覆盖，进程中断时旧记录保持完整
func (s *Store) Save(c *Checkpoint) error {
	b, err := Encode(c)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "创建%s失败", tmp)
	}
	if _, err = f.Write(b); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "写入%s失败", tmp)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "同步%s失败", tmp)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "关闭%s失败", tmp)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(err, "重命名%s失败", tmp)
	}
	return nil
}

func (s *Store) Remove() error {
	_ = os.Remove(s.path + ".tmp")
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "删除%s失败", s.path)
	}
	return nil
}

func Encode(c *Checkpoint) ([]byte, error) {
	if c.Written < 0 || c.Total < 0 {
		return nil, errors.Errorf("非法的checkpoint: written=%d total=%d", c.Written, c.Total)
	}
	if len(c.State) > maxStateLen {
		return nil, errors.Errorf("摘要状态过大: %d", len(c.State))
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(Version)
	_ = binary.Write(&buf, binary.BigEndian, c.Total)
	_ = binary.Write(&buf, binary.BigEndian, uint64(c.Written))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(c.State)))
	buf.Write(c.State)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes(), nil
}

func Decode(b []byte) (*Checkpoint, error) {
	const header = 4 + 1 + 8 + 8 + 4
	if len(b) < header+4 {
		return nil, ErrCorrupt
	}
	if !bytes.Equal(b[:4], magic[:]) {
		return nil, ErrCorrupt
	}

	body, sum := b[:len(b)-4], binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, ErrCorrupt
	}
	if body[4] != Version {
		return nil, errors.Wrapf(ErrVersion, "version %d", body[4])
	}

	r := bytes.NewReader(body[5:])
	var (
		total   int64
		written uint64
		n       uint32
	)
	for _, v := range []interface{}{&total, &written, &n} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return nil, ErrCorrupt
		}
	}
	if total < 0 || written > uint64(total) || n > maxStateLen || int(n) != r.Len() {
		return nil, ErrCorrupt
	}

	state := make([]byte, n)
	if _, err := io.ReadFull(r, state); err != nil {
		return nil, ErrCorrupt
	}
	return &Checkpoint{Total: total, Written: int64(written), State: state}, nil
}
