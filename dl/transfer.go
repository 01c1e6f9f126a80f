package dl

import (
	"context"
	"io"
	"os"

	"github.com/imroc/req/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/timerzz/bdl/pkg/checkpoint"
	"github.com/timerzz/bdl/pkg/hasher"
	"github.com/timerzz/bdl/pkg/interrupt"
	"github.com/timerzz/nio"
)

type mode string

const (
	modeFull      mode = "full"
	modeResumable mode = "resumable"
)

// transfer 描述一次尝试
type transfer struct {
	url   string
	dest  string
	total int64 // -1 未知
	mode  mode
}

// attempt 执行一次下载，返回最终摘要；err 不为 nil 时表示没有结果
func (d *Downloader) attempt(ctx context.Context, log *logrus.Entry, t *transfer, o *options, m *meter) (string, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wd := newWatchdog(d.cfg.Timeout, cancel)
	defer wd.disarm()

	if d.cfg.ExistingFile == ExistingVerify && o.checksum != "" && t.total >= 0 {
		if digest, ok := d.verifyExisting(ctx, log, t, o); ok {
			m.start(t.total)
			return digest, nil
		}
	}
	if t.mode == modeResumable {
		return d.resumableTransfer(ctx, log, t, o, m, wd)
	}
	return d.fullTransfer(ctx, log, t, o, m, wd)
}

// aborted 报告用户是否要求停止；单次尝试因超时被取消不算
func aborted(ctx context.Context, token *interrupt.Token) bool {
	if token.Cancelled() {
		return true
	}
	return ctx.Err() != nil && !errors.Is(context.Cause(ctx), ErrStalled)
}

// classify 区分中断、超时和普通的请求或读取失败
func classify(ctx context.Context, token *interrupt.Token, err error) error {
	if aborted(ctx, token) {
		return errors.Wrap(ErrAborted, err.Error())
	}
	if errors.Is(context.Cause(ctx), ErrStalled) {
		return errors.Wrap(ErrStalled, err.Error())
	}
	return err
}

// open 发起GET，等待响应头的时间也受 wd 限制
func (d *Downloader) open(ctx context.Context, t *transfer, o *options, wd *watchdog, ranged bool, offset int64) (*req.Response, io.Reader, error) {
	wd.arm()
	resp, err := d.get(ctx, t.url, ranged, offset)
	wd.disarm()
	if err != nil {
		return nil, nil, classify(ctx, o.token, err)
	}
	return resp, wd.reader(resp.Body), nil
}

func (d *Downloader) fullTransfer(ctx context.Context, log *logrus.Entry, t *transfer, o *options, m *meter, wd *watchdog) (string, error) {
	resp, body, err := d.open(ctx, t, o, wd, false, 0)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	f, err := os.OpenFile(t.dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", errors.Wrapf(err, "创建%s失败", t.dest)
	}
	defer f.Close()

	var (
		hash    = hasher.New()
		w       = nio.NWriter(f, d.count)
		buf     = make([]byte, d.cfg.ChunkSize)
		written int64
	)
	m.start(0)
	for {
		if aborted(ctx, o.token) {
			return "", ErrAborted
		}
		n, rerr := readChunk(body, buf)
		if n > 0 {
			if err = d.throttle(ctx, n); err != nil {
				return "", err
			}
			if _, err = w.Write(buf[:n]); err != nil {
				return "", errors.Wrapf(err, "写入%s失败", t.dest)
			}
			_, _ = hash.Write(buf[:n])
			written += int64(n)
			m.add(n)
			log.WithField("written", written).Debug("块已写入")
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", classify(ctx, o.token, errors.Wrapf(rerr, "读取%s失败", t.url))
		}
	}

	if err = f.Sync(); err != nil {
		return "", errors.Wrapf(err, "同步%s失败", t.dest)
	}
	if t.total >= 0 && written != t.total {
		return "", errors.Wrapf(ErrIncomplete, "期望%d字节，实际%d字节", t.total, written)
	}
	return hash.Hex(), nil
}

func (d *Downloader) resumableTransfer(ctx context.Context, log *logrus.Entry, t *transfer, o *options, m *meter, wd *watchdog) (string, error) {
	store := checkpoint.For(t.dest)
	f, hash, offset, err := d.prepare(log, store, t)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if offset >= t.total {
		// 保存最后一个checkpoint后、删除它之前崩溃会留下这种记录，
		// 摘要无法确认，清理后让下一次尝试重新下载
		err = errors.Wrapf(ErrSizeInconsistent, "offset=%d total=%d", offset, t.total)
		if rerr := store.Remove(); rerr != nil {
			log.Warnf("删除checkpoint失败：%v", rerr)
		}
		if rerr := os.Remove(t.dest); rerr != nil && !os.IsNotExist(rerr) {
			log.Warnf("删除%s失败：%v", t.dest, rerr)
		}
		return "", err
	}
	if offset > 0 {
		log.WithField("offset", offset).Info("从checkpoint继续下载")
	}

	resp, body, err := d.open(ctx, t, o, wd, true, offset)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if err = checkRange(resp, offset); err != nil {
		return "", err
	}

	c := &chunkWriter{
		f:       f,
		w:       nio.NWriter(f, d.count),
		hash:    hash,
		store:   store,
		written: offset,
		total:   t.total,
	}
	buf := make([]byte, d.cfg.ChunkSize)
	m.start(offset)
	for {
		// 在块边界检查中断；读取被打断时已经收到的数据仍会写入并保存checkpoint
		if aborted(ctx, o.token) {
			return "", ErrAborted
		}
		n, rerr := readChunk(body, buf)
		if n > 0 {
			if err = d.throttle(ctx, n); err != nil {
				return "", err
			}
			if err = c.commit(buf[:n]); err != nil {
				return "", err
			}
			m.add(n)
			log.WithFields(logrus.Fields{"written": c.written, "total": t.total}).Debug("块已写入")
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", classify(ctx, o.token, errors.Wrapf(rerr, "读取%s失败", t.url))
		}
	}

	fi, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(err, "读取%s信息失败", t.dest)
	}
	if fi.Size() != t.total {
		// 保留checkpoint，下次从最后确认的位置继续
		return "", errors.Wrapf(ErrIncomplete, "期望%d字节，实际%d字节", t.total, fi.Size())
	}
	if err = store.Remove(); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// prepare 根据checkpoint决定续传还是重新开始，返回定位到续传位置的文件
func (d *Downloader) prepare(log *logrus.Entry, store *checkpoint.Store, t *transfer) (*os.File, *hasher.SHA256, int64, error) {
	f, hash, offset, reason := resume(store, t)
	if f != nil {
		return f, hash, offset, nil
	}
	if reason != nil && !errors.Is(reason, checkpoint.ErrNotFound) {
		log.Warnf("checkpoint不可用，重新下载：%v", reason)
	}

	if err := store.Remove(); err != nil {
		return nil, nil, 0, err
	}
	f, err := os.OpenFile(t.dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, 0, errors.Wrapf(err, "创建%s失败", t.dest)
	}
	return f, hasher.New(), 0, nil
}

// resume 尝试从checkpoint恢复，失败时返回原因
func resume(store *checkpoint.Store, t *transfer) (*os.File, *hasher.SHA256, int64, error) {
	cp, err := store.Load()
	if err != nil {
		return nil, nil, 0, err
	}
	fi, err := os.Stat(t.dest)
	if err != nil {
		return nil, nil, 0, errors.Wrap(checkpoint.ErrCorrupt, "checkpoint对应的文件不存在")
	}
	if cp.Total != t.total {
		return nil, nil, 0, errors.Errorf("文件大小已变化：checkpoint为%d，服务器为%d", cp.Total, t.total)
	}
	if fi.Size() < cp.Written {
		return nil, nil, 0, errors.Wrapf(checkpoint.ErrCorrupt, "文件只有%d字节，checkpoint记录%d字节", fi.Size(), cp.Written)
	}
	hash, err := hasher.Restore(cp.State)
	if err != nil {
		return nil, nil, 0, err
	}

	f, err := os.OpenFile(t.dest, os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, 0, errors.Wrapf(err, "打开%s失败", t.dest)
	}
	// 写入后、保存checkpoint前崩溃会留下未确认的尾部
	if fi.Size() > cp.Written {
		if err = f.Truncate(cp.Written); err != nil {
			_ = f.Close()
			return nil, nil, 0, errors.Wrapf(err, "截断%s失败", t.dest)
		}
	}
	if _, err = f.Seek(cp.Written, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, nil, 0, errors.Wrapf(err, "定位%s失败", t.dest)
	}
	return f, hash, cp.Written, nil
}

// verifyExisting 在没有checkpoint时检查已有文件是否就是要下载的文件
func (d *Downloader) verifyExisting(ctx context.Context, log *logrus.Entry, t *transfer, o *options) (string, bool) {
	if _, err := checkpoint.For(t.dest).Load(); !errors.Is(err, checkpoint.ErrNotFound) {
		return "", false
	}
	fi, err := os.Stat(t.dest)
	if err != nil || fi.Size() != t.total {
		return "", false
	}
	f, err := os.Open(t.dest)
	if err != nil {
		return "", false
	}
	defer f.Close()

	hash := hasher.New()
	buf := make([]byte, d.cfg.ChunkSize)
	for {
		if aborted(ctx, o.token) {
			return "", false
		}
		n, rerr := readChunk(f, buf)
		_, _ = hash.Write(buf[:n])
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", false
		}
	}
	if digest := hash.Hex(); digest == o.checksum {
		log.Info("本地文件已完整且校验通过，跳过下载")
		return digest, true
	}
	return "", false
}
