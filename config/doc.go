// 版权所有 2025 KeyFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 KeyFlow 的配置管理功能。
//
// 支持从 YAML 文件与环境变量加载配置（优先级：默认值 → 文件 →
// 环境变量）。除缺失后端端点外，非法取值不阻止启动，而是由
// Normalize 回退到默认值并交由调用方记录警告。
package config
