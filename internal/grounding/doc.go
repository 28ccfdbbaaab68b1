// Package grounding 为一次查询组装注入到模型提示词中的实时数据上下文。
//
// 每种启用的数据能力输出一行固定格式的文本，数据源失败时省略该行或使用
// 降级内容，Build 永远不会返回错误。
package grounding
