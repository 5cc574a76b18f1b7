// Package web3 定义支付与任务提交两个链上协作端口，并提供链配置加载、
// 确定性的模拟执行器以及基于 go-ethereum 的 EVM 执行器（见 ethereum 子包）。
package web3
