// Package config 负责 aegisd 启动配置的加载与默认值填充。配置以 JSON
// 文件给出，相对路径（模块目录、数据目录）统一相对配置文件所在目录解析。
package config
