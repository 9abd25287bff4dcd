// 版权所有 2025 KeyFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package metadata 负责把分析结果写入 Lightroom 兼容的 XMP
// sidecar 文件，并提供已有关键词的探测（跳过已标注图片）。
package metadata
