package model

// DefaultStepCount 轨道默认步数
const DefaultStepCount = 16

// StepParams 单步参数覆盖
type StepParams struct {
	Velocity float64 `json:"velocity"`
	Pitch    int     `json:"pitch"`
	Prob     float64 `json:"prob"`
}

// TrackState 单条音轨的共享状态。
// Muted/Soloed/Version/Effects 是本地字段，不参与同步与指纹计算。
type TrackState struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	SampleID  string        `json:"sampleId"`
	Steps     []bool        `json:"steps"`
	Params    []*StepParams `json:"params"` // nil 表示该步无参数覆盖
	Volume    float64       `json:"volume"`
	Transpose int           `json:"transpose"`
	StepCount int           `json:"stepCount,omitempty"` // 0 表示使用默认步数
	Swing     float64       `json:"swing,omitempty"`

	// 本地监听控制：各听各的，不算共享音乐内容
	Muted   bool               `json:"muted,omitempty"`
	Soloed  bool               `json:"soloed,omitempty"`
	Version int64              `json:"version,omitempty"`
	Effects map[string]float64 `json:"effects,omitempty"`
}

// SessionState 会话的共享状态（权威端与客户端各持一份）
type SessionState struct {
	Tempo  float64      `json:"tempo"`
	Swing  float64      `json:"swing"`
	Tracks []TrackState `json:"tracks"`
}

// Clone 深拷贝，权威端下发快照和客户端乐观应用都需要独立副本
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := &SessionState{
		Tempo:  s.Tempo,
		Swing:  s.Swing,
		Tracks: make([]TrackState, len(s.Tracks)),
	}
	for i := range s.Tracks {
		out.Tracks[i] = s.Tracks[i].Clone()
	}
	return out
}

// Clone 深拷贝单条音轨
func (t TrackState) Clone() TrackState {
	out := t
	if t.Steps != nil {
		out.Steps = make([]bool, len(t.Steps))
		copy(out.Steps, t.Steps)
	}
	if t.Params != nil {
		out.Params = make([]*StepParams, len(t.Params))
		for i, p := range t.Params {
			if p != nil {
				cp := *p
				out.Params[i] = &cp
			}
		}
	}
	if t.Effects != nil {
		out.Effects = make(map[string]float64, len(t.Effects))
		for k, v := range t.Effects {
			out.Effects[k] = v
		}
	}
	return out
}

// FindTrack 按 ID 查找音轨，返回下标，找不到返回 -1
func (s *SessionState) FindTrack(trackID string) int {
	for i := range s.Tracks {
		if s.Tracks[i].ID == trackID {
			return i
		}
	}
	return -1
}

// EffectiveStepCount 返回音轨的有效步数
func (t *TrackState) EffectiveStepCount() int {
	if t.StepCount > 0 {
		return t.StepCount
	}
	return DefaultStepCount
}
