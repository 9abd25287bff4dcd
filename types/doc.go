// 版权所有 2025 KeyFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package types 定义 keyflow 各组件共享的数据模型：
// 统一错误码、结构化错误以及推理结果的标签变体（已解析 / 原始文本）。
package types
