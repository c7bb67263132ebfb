package xconf

const (
	// DefaultDelim 默认的键分隔符，如 "xquota.quotas.FREE"
	DefaultDelim = "."

	// DefaultTag 默认的结构体标签名
	DefaultTag = "koanf"
)

// options 加载选项
type options struct {
	delim string
	tag   string
}

// Option 配置加载选项函数
type Option func(*options)

func applyOptions(opts []Option) *options {
	o := &options{delim: DefaultDelim, tag: DefaultTag}
	for _, opt := range opts {
		opt(o)
	}
	// 空值回退为默认值，koanf 不接受空分隔符
	if o.delim == "" {
		o.delim = DefaultDelim
	}
	if o.tag == "" {
		o.tag = DefaultTag
	}
	return o
}

// WithDelim 设置键分隔符，键名本身含 "." 时可改用 "/" 等
func WithDelim(delim string) Option {
	return func(o *options) {
		o.delim = delim
	}
}

// WithTag 设置 Unmarshal 使用的结构体标签，如 "yaml"
func WithTag(tag string) Option {
	return func(o *options) {
		o.tag = tag
	}
}
