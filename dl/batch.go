package dl

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/timerzz/bdl/pkg/interrupt"
)

// Job 是批量下载中的一个文件
type Job struct {
	URLs           []string
	Checksum       string
	LocalFile      string
	LocalDirectory string
}

type Result struct {
	Job Job
	OK  bool
	Err error
}

func (j Job) options() []Option {
	var opts []Option
	if j.Checksum != "" {
		opts = append(opts, WithChecksum(j.Checksum))
	}
	if j.LocalFile != "" {
		opts = append(opts, WithLocalFile(j.LocalFile))
	}
	if j.LocalDirectory != "" {
		opts = append(opts, WithLocalDirectory(j.LocalDirectory))
	}
	return opts
}

// destinations 返回该任务可能写入的所有本地路径
func (j Job) destinations() ([]string, error) {
	o := &options{localFile: j.LocalFile, localDir: j.LocalDirectory}
	var dests []string
	for _, u := range j.URLs {
		dest, err := o.destination(u)
		if err != nil {
			continue
		}
		abs, err := filepath.Abs(dest)
		if err != nil {
			return nil, errors.Wrapf(err, "解析路径%s失败", dest)
		}
		dests = append(dests, abs)
	}
	return dests, nil
}

// Batch 在协程池中并发执行互不相关的下载。
// 可能写入同一个文件的任务会在开始前被拒绝；一次中断会停止所有任务。
func (d *Downloader) Batch(ctx context.Context, jobs []Job, parallel int, opts ...Option) ([]Result, error) {
	owner := make(map[string]int)
	for i, j := range jobs {
		if len(j.URLs) == 0 {
			return nil, errors.Wrapf(ErrNoURLs, "任务%d", i)
		}
		dests, err := j.destinations()
		if err != nil {
			return nil, err
		}
		for _, dest := range dests {
			if prev, ok := owner[dest]; ok && prev != i {
				return nil, errors.Wrapf(ErrDuplicateDest, "任务%d和任务%d: %s", prev, i, dest)
			}
			owner[dest] = i
		}
	}

	if parallel <= 0 {
		parallel = 1
	}
	pool, err := ants.NewPool(parallel)
	if err != nil {
		return nil, errors.Wrap(err, "创建协程池失败")
	}
	defer pool.Release()

	base := d.options(opts)
	if base.signals {
		release := interrupt.Notify(base.token)
		defer release()
	}

	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i := range jobs {
		i := i
		results[i].Job = jobs[i]
		jobOpts := append(append([]Option{}, opts...), jobs[i].options()...)
		jobOpts = append(jobOpts, WithToken(base.token), WithoutSignalHandler())

		wg.Add(1)
		if err = pool.Submit(func() {
			defer wg.Done()
			results[i].OK, results[i].Err = d.Download(ctx, jobs[i].URLs, jobOpts...)
		}); err != nil {
			wg.Done()
			results[i].Err = errors.Wrap(err, "提交任务失败")
		}
	}
	wg.Wait()

	if aborted(ctx, base.token) {
		return results, ErrAborted
	}
	return results, nil
}
