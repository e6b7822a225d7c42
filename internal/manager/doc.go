// Package manager 实现缓存代际的生命周期（install → activate）以及按类别响应拦截请求。
//
// 一个 Manager 只服务一个代际：Install 预加载 {generation}-shell 与 {generation}-data，
// Activate 清理同前缀下的其它桶并接管拦截，Respond 根据 policy.Class 选择
// cache-first 或 stale-while-revalidate。后台刷新通过 extend 登记，Wait 在退出前等待其完成。
package manager
