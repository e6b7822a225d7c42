// Package policy 负责把拦截到的请求归类到缓存类别（shell / data / passthrough），
// 并描述每个类别采用的缓存策略。归类是纯函数，不访问网络或存储。
package policy
