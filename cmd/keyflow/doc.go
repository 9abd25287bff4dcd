// 版权所有 2025 KeyFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
KeyFlow 命令行入口。

子命令：

  - run：扫描目录并对图片批量执行关键词分析，结果写入 XMP sidecar。
  - probe：探测配置的后端实例，列出可用模型。
  - version：显示构建版本信息。

配置通过 YAML 文件与 KEYFLOW_* 环境变量加载，环境变量优先。
*/
package main
