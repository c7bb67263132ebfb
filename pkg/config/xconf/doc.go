// Package xconf 提供统一的配置加载和解析功能，基于 koanf 实现。
//
// # 设计理念
//
// xconf 定位为最小化的启动期配置加载器：负责文件/字节数据的加载与反序列化，
// 不提供热重载。准入控制的配额表在启动时加载一次，此后不可变，
// 因此没有运行期变更路径。
//
// 配置治理（必选字段、取值范围、完整性）由各业务包的 Validate 负责，
// 例如 xquota.Config.Validate。
//
// # 支持的格式
//
//   - YAML（默认，推荐）：.yaml, .yml
//   - JSON：.json
//
// # Unmarshal
//
// Unmarshal 使用 koanf 默认的 mapstructure 解码：允许弱类型转换，
// 并支持 "1m"、"30s" 形式的 time.Duration。
//
//	cfg, err := xconf.New("xquota.yaml")
//	if err != nil {
//	    return err
//	}
//	var qc xquota.Config
//	if err := cfg.Unmarshal("xquota", &qc); err != nil {
//	    return err
//	}
package xconf
