// Package api 通过 HTTP/JSON 暴露交易生命周期：创建交易、提交请求、支付、
// 启动执行、轮询状态、验证结果与取消，并提供服务目录、健康检查与指标端点。
package api
