package hasher

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"hash"

	"github.com/pkg/errors"
)

// SHA256 是可以在中途序列化并恢复的流式摘要
type SHA256 struct {
	h hash.Hash
}

func New() *SHA256 {
	return &SHA256{h: sha256.New()}
}

// Restore 从 State 的输出恢复摘要
func Restore(state []byte) (*SHA256, error) {
	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return nil, errors.Wrap(err, "恢复sha256状态失败")
	}
	return &SHA256{h: h}, nil
}

func (s *SHA256) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// State 序列化当前的中间状态
func (s *SHA256) State() ([]byte, error) {
	b, err := s.h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "序列化sha256状态失败")
	}
	return b, nil
}

// Hex 返回当前摘要，不影响后续写入
func (s *SHA256) Hex() string {
	return hex.EncodeToString(s.h.Sum(nil))
}
