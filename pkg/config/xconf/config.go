package xconf

import "github.com/knadh/koanf/v2"

// Format 配置内容的编码格式
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Config 启动期加载的只读配置。
// 取值、合并等基础操作直接使用 Client()。
type Config interface {
	Client() *koanf.Koanf

	// Unmarshal 将 path 下的配置映射到 target；path 为空表示根节点
	Unmarshal(path string, target any) error

	Exists(path string) bool

	// Path 配置文件路径，NewFromBytes 创建的实例为空
	Path() string

	Format() Format
}

// MustUnmarshal 失败时 panic，用于 main 中不可缺少的配置段
func MustUnmarshal(cfg Config, path string, target any) {
	if err := cfg.Unmarshal(path, target); err != nil {
		panic(err)
	}
}
