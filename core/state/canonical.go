// Package state 提供会话状态的规范化与指纹计算。
//
// 客户端与权威端各自持有一份会话状态，结构上可能存在偏差（可选字段
// 省略或显式置默认值、数组长度不一致、本地字段存在与否）。比较前先
// 规范化，保证"音乐内容相同"的两份状态字节级一致。
package state

import "github.com/adewale/keyboardia-sub006/model"

// CanonicalTrack 规范化后的音轨。
// Steps/Params 长度恒等于 StepCount；本地字段（mute/solo/version/effects）
// 在规范化时整体丢弃，不会以任何形式出现在这里。
type CanonicalTrack struct {
	ID        string
	Name      string
	SampleID  string
	Steps     []bool
	Params    []*model.StepParams // nil 元素表示该步无覆盖
	Volume    float64
	Transpose int
	StepCount int
	Swing     float64
}

// CanonicalState 规范化后的会话状态
type CanonicalState struct {
	Tempo  float64
	Swing  float64
	Tracks []CanonicalTrack
}

// Canonicalize 将会话状态规范化为可哈希的形式。
// 纯函数，对任意结构上合理的输入（包括 nil、空音轨列表）都不会失败。
func Canonicalize(s *model.SessionState) CanonicalState {
	if s == nil {
		return CanonicalState{Tracks: []CanonicalTrack{}}
	}

	out := CanonicalState{
		Tempo:  s.Tempo,
		Swing:  s.Swing,
		Tracks: make([]CanonicalTrack, len(s.Tracks)),
	}
	for i := range s.Tracks {
		out.Tracks[i] = canonicalizeTrack(&s.Tracks[i])
	}
	return out
}

func canonicalizeTrack(t *model.TrackState) CanonicalTrack {
	n := t.EffectiveStepCount()

	// 步激活数组规范化到有效步数：超长截断，不足补 false
	steps := make([]bool, n)
	copy(steps, t.Steps)

	// 参数覆盖数组同样规范化，不足的位置补"无覆盖"（nil）
	params := make([]*model.StepParams, n)
	for i := 0; i < n && i < len(t.Params); i++ {
		if p := t.Params[i]; p != nil {
			cp := *p
			params[i] = &cp
		}
	}

	return CanonicalTrack{
		ID:        t.ID,
		Name:      t.Name,
		SampleID:  t.SampleID,
		Steps:     steps,
		Params:    params,
		Volume:    t.Volume,
		Transpose: t.Transpose,
		StepCount: n,
		Swing:     t.Swing,
	}
}
