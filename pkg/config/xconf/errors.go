package xconf

import "errors"

var (
	// ErrEmptyPath 未提供配置文件路径
	ErrEmptyPath = errors.New("xconf: empty config path")

	// ErrUnsupportedFormat 扩展名或显式格式既不是 YAML 也不是 JSON
	ErrUnsupportedFormat = errors.New("xconf: unsupported config format")

	// ErrLoadFailed 读取配置文件失败
	ErrLoadFailed = errors.New("xconf: failed to load config")

	// ErrParseFailed 配置内容无法解析
	ErrParseFailed = errors.New("xconf: failed to parse config")

	// ErrUnmarshalFailed 配置值无法映射到目标结构体（如时长写成 "soon"）
	ErrUnmarshalFailed = errors.New("xconf: failed to unmarshal config")

	// ErrNilTarget Unmarshal 的目标为 nil
	ErrNilTarget = errors.New("xconf: nil unmarshal target")
)
