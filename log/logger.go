package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

var (
	// Debug 调试级别日志记录器
	Debug *log.Logger
	// Info 信息级别日志记录器
	Info *log.Logger
	// Warn 警告级别日志记录器
	Warn *log.Logger
	// Error 错误级别日志记录器
	Error *log.Logger
	// Fatal 致命错误级别日志记录器
	Fatal *log.Logger
)

// LogConfig 包含日志系统的配置信息
type LogConfig struct {
	// LogLevel 是最低输出的日志级别
	LogLevel string `yaml:"log_level"`
	// LogFile 是日志文件的路径，为空时不写文件
	LogFile string `yaml:"log_file"`
	// EnableConsole 决定是否同时将日志输出到控制台
	EnableConsole bool `yaml:"enable_console"`
}

// LogLevel 表示日志级别
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = map[string]LogLevel{
	"debug": DebugLevel,
	"info":  InfoLevel,
	"warn":  WarnLevel,
	"error": ErrorLevel,
	"fatal": FatalLevel,
}

// 日志格式：日期 时间 微秒 文件名：行号
const flags = log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile

// 未调用 Init 之前（例如单元测试中）所有日志都被丢弃
func init() {
	setLoggers(io.Discard, FatalLevel+1)
}

// ParseLevel 将字符串解析为日志级别，无法识别时返回 InfoLevel
func ParseLevel(name string) LogLevel {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return level
	}
	return InfoLevel
}

// Init 根据给定的配置初始化日志系统
// 参数：
//   - config：日志配置信息，包含日志级别、文件路径等
//
// 返回：
//   - error：如果初始化失败，返回错误信息
func Init(config *LogConfig) error {
	level := ParseLevel(config.LogLevel)

	var writers []io.Writer
	if config.LogFile != "" {
		// 创建日志目录（如果不存在）
		if err := os.MkdirAll(filepath.Dir(config.LogFile), 0755); err != nil {
			return fmt.Errorf("创建日志目录失败：%w", err)
		}
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("打开日志文件失败：%w", err)
		}
		writers = append(writers, file)
	}
	if config.EnableConsole {
		writers = append(writers, os.Stdout)
	}

	var output io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		output = writers[0]
	default:
		output = io.MultiWriter(writers...)
	}

	setLoggers(output, level)
	Info.Printf("日志系统已初始化，级别：%s", config.LogLevel)
	return nil
}

// setLoggers 低于 level 的记录器输出重定向到 io.Discard
func setLoggers(output io.Writer, level LogLevel) {
	pick := func(l LogLevel, prefix string) *log.Logger {
		if level <= l {
			return log.New(output, prefix, flags)
		}
		return log.New(io.Discard, "", 0)
	}
	Debug = pick(DebugLevel, "\033[36mDEBUG：\033[0m")
	Info = pick(InfoLevel, "\033[32mINFO：\033[0m")
	Warn = pick(WarnLevel, "\033[33mWARN：\033[0m")
	Error = pick(ErrorLevel, "\033[31mERROR：\033[0m")
	Fatal = pick(FatalLevel, "\033[35mFATAL：\033[0m")
}

// Debugf 以调试级别记录格式化的消息
func Debugf(format string, args ...interface{}) {
	// 2 表示跳过 Debugf 本身和 Output，文件名行号指向调用方
	Debug.Output(2, fmt.Sprintf(format, args...))
}

// Infof 以信息级别记录格式化的消息
func Infof(format string, args ...interface{}) {
	Info.Output(2, fmt.Sprintf(format, args...))
}

// Warnf 以警告级别记录格式化的消息
func Warnf(format string, args ...interface{}) {
	Warn.Output(2, fmt.Sprintf(format, args...))
}

// Errorf 以错误级别记录格式化的消息
func Errorf(format string, args ...interface{}) {
	Error.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf 以致命错误级别记录格式化的消息，然后退出程序
func Fatalf(format string, args ...interface{}) {
	Fatal.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}
