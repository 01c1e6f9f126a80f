package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/timerzz/bdl/dl"
	"github.com/timerzz/bdl/pkg/logging"
	"github.com/timerzz/bdl/pkg/manifest"
	"github.com/timerzz/bdl/pkg/mirrors"
	"github.com/timerzz/bdl/pkg/progressbar"
	"github.com/timerzz/bdl/pkg/utils"
	"github.com/urfave/cli/v2"
)

const exitInterrupted = 130

func main() {
	app := &cli.App{
		Name:  "bdl",
		Usage: "可断点续传、带sha256校验的文件下载",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "日志级别：debug、info、warn、error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "日志格式：text、json",
			},
		},
		Before: func(c *cli.Context) error {
			return logging.Setup(os.Stderr, c.String("log-level"), c.String("log-format"))
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "下载一个文件，依次尝试每个url",
				ArgsUsage: "URL...",
				Flags: append(downloadFlags(),
					&cli.StringFlag{Name: "sha256", Usage: "期望的sha256"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "保存的文件名，默认取url的最后一段"},
					&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "保存的目录"},
					&cli.IntFlag{Name: "retries", Aliases: []string{"r"}, Usage: "每个url的尝试次数"},
					&cli.StringFlag{Name: "mirrors", Aliases: []string{"m"}, Usage: "镜像列表文件，纯文本或m3u8"},
					&cli.StringFlag{Name: "base", Aliases: []string{"b"}, Usage: "镜像列表中相对地址的base url"},
				),
				Action: get,
			},
			{
				Name:      "batch",
				Usage:     "按清单并发下载多个文件",
				ArgsUsage: "MANIFEST.yaml",
				Flags: append(downloadFlags(),
					&cli.IntFlag{Name: "parallel", Aliases: []string{"p"}, Usage: "同时下载的文件数，默认取清单中的值"},
				),
				Action: batch,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func downloadFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "yaml配置文件",
		},
		&cli.StringFlag{
			Name:  "rate-limit",
			Usage: "限速，如 10MiB，表示每秒字节数",
		},
		&cli.StringFlag{
			Name:  "proxy",
			Usage: "设置使用的代理，格式如：http://localhost:3000",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "探测请求的超时时间",
		},
		&cli.BoolFlag{
			Name:  "verify-existing",
			Usage: "本地文件已完整且sha256匹配时跳过下载",
		},
	}
}

func newDownloader(c *cli.Context) (*dl.Downloader, error) {
	cfg := dl.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = dl.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if s := c.String("rate-limit"); s != "" {
		n, err := utils.ParseSize(s)
		if err != nil {
			return nil, errors.Wrapf(err, "非法的限速%s", s)
		}
		cfg.RateLimit = n
	}
	if c.IsSet("proxy") {
		cfg.Proxy = c.String("proxy")
	}
	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.Bool("verify-existing") {
		cfg.ExistingFile = dl.ExistingVerify
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Logger = logrus.StandardLogger()
	return dl.New(cfg), nil
}

// watch 在下载期间显示所有任务的总进度
func watch(d *dl.Downloader, title string) (stop func()) {
	bar := progressbar.New(
		progressbar.WithInterval(time.Second),
		progressbar.WithOutput(os.Stdout),
		progressbar.WithStepHook(func(b *progressbar.Bar) {
			cur, total := d.Progress()
			b.SetTotal(total)
			b.SetCur(cur)
		}),
		progressbar.WithTitle(title),
		progressbar.WithFinishHook(func() {
			fmt.Printf("\n 结束下载，共写入%s\n", utils.SizeFormat(d.DownloadSize()))
		}),
	)
	go bar.Run()
	return bar.Finish
}

func get(c *cli.Context) error {
	d, err := newDownloader(c)
	if err != nil {
		return cli.Exit(err, 1)
	}

	urls := c.Args().Slice()
	if path := c.String("mirrors"); path != "" {
		list, err := mirrors.Load(path, c.String("base"))
		if err != nil {
			return cli.Exit(err, 1)
		}
		urls = append(urls, list...)
	}
	if len(urls) == 0 {
		return cli.Exit("没有指定url", 1)
	}

	var opts []dl.Option
	if s := c.String("sha256"); s != "" {
		opts = append(opts, dl.WithChecksum(s))
	}
	if s := c.String("output"); s != "" {
		opts = append(opts, dl.WithLocalFile(s))
	}
	if s := c.String("dir"); s != "" {
		opts = append(opts, dl.WithLocalDirectory(s))
	}
	if n := c.Int("retries"); n > 0 {
		opts = append(opts, dl.WithMaxRetries(n))
	}

	stop := watch(d, "正在下载")
	ok, err := d.Download(c.Context, urls, opts...)
	stop()
	return exit(ok, err)
}

func batch(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("需要且只需要一个清单文件", 1)
	}
	m, err := manifest.Load(c.Args().First())
	if err != nil {
		return cli.Exit(err, 1)
	}
	d, err := newDownloader(c)
	if err != nil {
		return cli.Exit(err, 1)
	}

	parallel := m.Parallel
	if c.IsSet("parallel") {
		parallel = c.Int("parallel")
	}
	jobs := make([]dl.Job, 0, len(m.Files))
	for _, f := range m.Files {
		jobs = append(jobs, dl.Job{
			URLs:           f.URLs,
			Checksum:       f.SHA256,
			LocalFile:      f.Name,
			LocalDirectory: f.Dir,
		})
	}

	stop := watch(d, fmt.Sprintf("正在下载%d个文件", len(jobs)))
	results, err := d.Batch(c.Context, jobs, parallel)
	stop()
	if err != nil && !errors.Is(err, dl.ErrAborted) {
		return cli.Exit(err, 1)
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
			logrus.WithField("urls", r.Job.URLs).Errorf("下载失败：%v", r.Err)
		}
	}
	if errors.Is(err, dl.ErrAborted) {
		return cli.Exit(err, exitInterrupted)
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d/%d个文件下载失败", failed, len(results)), 1)
	}
	return nil
}

// exit 把下载结果转换成退出码：0 成功，1 失败，130 中断
func exit(ok bool, err error) error {
	switch {
	case errors.Is(err, dl.ErrAborted):
		return cli.Exit(err, exitInterrupted)
	case err != nil:
		return cli.Exit(err, 1)
	case !ok:
		return cli.Exit("下载失败", 1)
	}
	return nil
}
