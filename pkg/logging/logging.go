package logging

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Setup 配置全局 logrus，format 为 text 或 json
func Setup(out io.Writer, level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "非法的日志级别%s", level)
	}
	switch format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("非法的日志格式%s", format)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(out)
	return nil
}
