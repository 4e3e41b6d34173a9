// Package conflict 定义多端互斥策略，并在绑定事件到达时处理冲突连接。
package conflict

import (
	"github.com/lk2023060901/danmu-garden-push/internal/model"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-push/pkg/util/typeutil"
)

// Policy 为不可变的多端互斥规则表。
//
// 说明：
//   - rules 描述某个设备通道与哪些设备通道互斥；
//   - keepAlive 中的设备通道允许同一设备保留多条连接（例如 web 多标签页）；
//   - 构造完成后不再修改，可在任意协程中并发读取。
type Policy struct {
	rules     map[model.Channel]typeutil.Set[model.Channel]
	keepAlive typeutil.Set[model.Channel]
}

// NewPolicy 基于给定规则构造 Policy，入参会被拷贝。
func NewPolicy(rules map[model.Channel][]model.Channel, keepAlive []model.Channel) *Policy {
	p := &Policy{
		rules:     make(map[model.Channel]typeutil.Set[model.Channel], len(rules)),
		keepAlive: typeutil.NewSet(keepAlive...),
	}
	for ch, targets := range rules {
		p.rules[ch] = typeutil.NewSet(targets...)
	}
	return p
}

// DefaultPolicy 返回缺省规则：
//   - 移动端（android/ios）互斥；
//   - 桌面端与网页端（windows/web/mac）互斥；
//   - web 同一设备允许多连接。
func DefaultPolicy() *Policy {
	mobile := []model.Channel{model.ChannelAndroid, model.ChannelIOS}
	desktop := []model.Channel{model.ChannelWindows, model.ChannelWeb, model.ChannelMac}
	return NewPolicy(map[model.Channel][]model.Channel{
		model.ChannelAndroid: mobile,
		model.ChannelIOS:     mobile,
		model.ChannelWindows: desktop,
		model.ChannelWeb:     desktop,
		model.ChannelMac:     desktop,
	}, []model.Channel{model.ChannelWeb})
}

// Config 为可从配置文件加载的规则描述。
type Config struct {
	Rules     map[string][]string `mapstructure:"rules"`
	KeepAlive []string            `mapstructure:"keep_alive"`
}

// Build 校验配置并构造 Policy；Rules 与 KeepAlive 均为空时返回 DefaultPolicy。
func (c Config) Build() (*Policy, error) {
	if len(c.Rules) == 0 && len(c.KeepAlive) == 0 {
		return DefaultPolicy(), nil
	}

	rules := make(map[model.Channel][]model.Channel, len(c.Rules))
	for from, targets := range c.Rules {
		ch, err := parseChannel(from)
		if err != nil {
			return nil, err
		}
		for _, to := range targets {
			target, err := parseChannel(to)
			if err != nil {
				return nil, err
			}
			rules[ch] = append(rules[ch], target)
		}
	}

	keepAlive := make([]model.Channel, 0, len(c.KeepAlive))
	for _, name := range c.KeepAlive {
		ch, err := parseChannel(name)
		if err != nil {
			return nil, err
		}
		keepAlive = append(keepAlive, ch)
	}
	return NewPolicy(rules, keepAlive), nil
}

func parseChannel(name string) (model.Channel, error) {
	ch := model.Channel(name)
	if !ch.Valid() {
		return "", merr.WrapErrChannelInvalid(name, "conflict policy")
	}
	return ch, nil
}

// ConflictsWith 返回与 ch 互斥的设备通道集合的副本；未知通道返回空集合。
func (p *Policy) ConflictsWith(ch model.Channel) typeutil.Set[model.Channel] {
	set, ok := p.rules[ch]
	if !ok {
		return typeutil.NewSet[model.Channel]()
	}
	return set.Clone()
}

// IsKeepAlive 判断 ch 是否允许同一设备保留多条连接。
func (p *Policy) IsKeepAlive(ch model.Channel) bool {
	return p.keepAlive.Contain(ch)
}
