// Package service 提供同步合成与同步识别两个请求/响应入口，
// 把文本预处理、资源准入、超时、分段管线、归档与指标串成一条调用链。
package service
