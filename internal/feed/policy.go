// Package feed 决定哪些回答进入公开动态，并把新动态推送给关注者。
package feed

import (
	"math/rand/v2"
	"unicode/utf8"

	"agnt-platform/internal/config"
)

// 默认发布策略。
const (
	DefaultProbability = 0.3
	DefaultMinRunes    = 100
	DefaultMaxRunes    = 500
)

// Chance 返回 [0,1) 区间的随机数，测试中可替换为固定值。
type Chance func() float64

// Policy 描述动态发布的条件：回答超过 MinRunes 且随机数小于 Probability。
type Policy struct {
	Probability float64
	MinRunes    int
	MaxRunes    int
	chance      Chance
}

// PolicyOption 配置 Policy。
type PolicyOption func(*Policy)

// WithChance 替换随机源。
func WithChance(chance Chance) PolicyOption {
	return func(p *Policy) {
		if chance != nil {
			p.chance = chance
		}
	}
}

// NewPolicy 根据配置创建 Policy，非法取值回退到默认值。
func NewPolicy(cfg config.FeedConfig, opts ...PolicyOption) *Policy {
	p := &Policy{
		Probability: cfg.Probability,
		MinRunes:    cfg.MinRunes,
		MaxRunes:    cfg.MaxRunes,
		chance:      rand.Float64,
	}
	if p.Probability < 0 || p.Probability > 1 {
		p.Probability = DefaultProbability
	}
	if p.MinRunes <= 0 {
		p.MinRunes = DefaultMinRunes
	}
	if p.MaxRunes <= 0 {
		p.MaxRunes = DefaultMaxRunes
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// ShouldPublish 判断回答是否发布到动态。长度不足时不消耗随机数。
func (p *Policy) ShouldPublish(text string) bool {
	if p == nil || utf8.RuneCountInString(text) <= p.MinRunes {
		return false
	}
	return p.chance() < p.Probability
}

// Excerpt 返回写入动态的内容。
func (p *Policy) Excerpt(text string) string {
	limit := DefaultMaxRunes
	if p != nil {
		limit = p.MaxRunes
	}
	return Truncate(text, limit)
}

// Truncate 按 rune 截断。
func Truncate(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}
