// 版权所有 2025 KeyFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package ollama 实现面向多个 Ollama 实例的推理客户端：
// 实例健康统计、可用性探测、可插拔的负载均衡策略、带准入门控的
// 重试驱动，以及针对模型响应的 JSON 修复管线。
//
// 并发模型：每个实例持有自己的互斥锁与信号量（准入门控），
// 不存在跨实例的全局锁；选择策略只读取实例统计快照。
package ollama
