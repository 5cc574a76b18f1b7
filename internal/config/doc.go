// Package config 负责加载守护进程配置：按扩展名解析 JSON 或 YAML 文件，
// 叠加 .env 与 OPENMECH_* 环境变量，并为未填写的字段设置默认值。
package config
