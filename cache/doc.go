// 版权所有 2025 KeyFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package cache 记录批处理的已处理文件集合，支持三种后端：
// 进程内内存（默认）、Redis（多机共享）与 SQLite（单机持久化）。
// 缓存只存"已处理"事实；分析结果写在图片旁的 XMP sidecar 中。
package cache
