package xquota

import (
	"fmt"

	"github.com/omeyang/xquota/pkg/config/xconf"
)

// LoadConfig 从 xconf 加载准入控制配置。
//
// path 为配置路径，如 "xquota"；为空时反序列化整个配置。
// 未给出等级阶梯或类别时使用内置默认值，配额表必须显式配置。
// 返回的配置已填充默认值并通过 Validate。
func LoadConfig(cfg xconf.Config, path string) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("%w: nil xconf.Config", ErrConfig)
	}

	var c Config
	if err := cfg.Unmarshal(path, &c); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	d := DefaultConfig()
	if len(c.Tiers) == 0 {
		c.Tiers = d.Tiers
	}
	if len(c.Categories) == 0 {
		c.Categories = d.Categories
	}
	c = c.WithDefaults()

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
