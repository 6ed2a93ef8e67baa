package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log  *logrus.Logger
	once sync.Once
)

func initialize() {
	once.Do(func() {
		log = logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.InfoLevel)
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	})
}

// GetLogger 返回进程级日志实例
func GetLogger() *logrus.Logger {
	if log == nil {
		initialize()
	}
	return log
}

// Configure 按配置设置日志级别，debug 为 true 时强制 Debug 级别
func Configure(level string, debug bool) {
	l := GetLogger()
	if debug {
		l.SetLevel(logrus.DebugLevel)
		return
	}
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	case "", "info":
		l.SetLevel(logrus.InfoLevel)
	default:
		l.WithField("level", level).Warn("未知日志级别，使用 info")
		l.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput 重定向日志输出（测试中用于静默）
func SetOutput(w io.Writer) {
	GetLogger().SetOutput(w)
}

func init() {
	initialize()
}
