// 版权所有 2025 KeyFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package pipeline 实现自适应批处理调度器：枚举目录中的图片，
// 经缓存与 sidecar 过滤后，用有界 worker 池驱动推理客户端，
// 并根据失败历史与系统负载调整批大小与批间暂停。
// 支持暂停 / 恢复 / 协作式停止与随时可读的进度快照。
package pipeline
