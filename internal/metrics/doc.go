// 版权所有 2025 KeyFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖推理、
批处理与结果缓存三大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标。指标注册在
调用方传入的 Registerer 上，按 namespace 隔离；传入独立 Registry
可避免测试间的重复注册冲突。所有记录方法对 nil 接收者安全，
未启用指标时传 nil 即可整体关闭。

# 主要能力

  - 推理指标：尝试总数与耗时（按 instance/model/status 分组）、
    准入门控获取超时计数、无可用实例终止计数。
  - 批处理指标：条目结果计数（processed/skipped/failed）、
    当前自适应批大小与批间暂停 Gauge、CPU 节流计数。
  - 缓存指标：命中与未命中计数，按 backend 分组。
*/
package metrics
