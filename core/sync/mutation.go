// Package sync 实现客户端乐观变更的跟踪与对账。
//
// 客户端对本地状态先行应用编辑（零延迟反馈），同时把变更发给权威端，
// 直到权威端确认、判定被抢占或超时丢失为止持续跟踪；权威快照到达时
// 只清理"可证明已包含"的变更，既不丢确认过的编辑，也不重复计账。
package sync

import (
	"encoding/json"
	"fmt"

	"github.com/adewale/keyboardia-sub006/model"
)

// MutationKind 变更类型
type MutationKind string

const (
	KindToggleStep        MutationKind = "toggle_step"
	KindSetStepParams     MutationKind = "set_step_params"
	KindSetTempo          MutationKind = "set_tempo"
	KindSetSwing          MutationKind = "set_swing"
	KindSetTrackSample    MutationKind = "set_track_sample"
	KindSetTrackVolume    MutationKind = "set_track_volume"
	KindSetTrackTranspose MutationKind = "set_track_transpose"
	KindSetTrackStepCount MutationKind = "set_track_step_count"
	KindSetTrackSwing     MutationKind = "set_track_swing"
	KindAddTrack          MutationKind = "add_track"
	KindRemoveTrack       MutationKind = "remove_track"
	KindRenameTrack       MutationKind = "rename_track"
)

// NoStep 表示变更不针对具体某一步（整轨或全局变更）
const NoStep = -1

// Target 冲突匹配目标。TrackID 为空表示全局变更（如 tempo）。
type Target struct {
	TrackID string `json:"trackId,omitempty"`
	Step    int    `json:"step"`
}

// Payload 是所有变更类型的封闭集合
type Payload interface {
	Kind() MutationKind
	Target() Target
}

// ToggleStep 切换某一步的激活状态
type ToggleStep struct {
	TrackID string `json:"trackId"`
	Step    int    `json:"step"`
	On      bool   `json:"on"`
}

func (p ToggleStep) Kind() MutationKind { return KindToggleStep }
func (p ToggleStep) Target() Target     { return Target{TrackID: p.TrackID, Step: p.Step} }

// SetStepParams 设置某一步的参数覆盖，Params 为 nil 表示清除覆盖
type SetStepParams struct {
	TrackID string            `json:"trackId"`
	Step    int               `json:"step"`
	Params  *model.StepParams `json:"params"`
}

func (p SetStepParams) Kind() MutationKind { return KindSetStepParams }
func (p SetStepParams) Target() Target     { return Target{TrackID: p.TrackID, Step: p.Step} }

// SetTempo 设置全局速度
type SetTempo struct {
	BPM float64 `json:"bpm"`
}

func (p SetTempo) Kind() MutationKind { return KindSetTempo }
func (p SetTempo) Target() Target     { return Target{Step: NoStep} }

// SetSwing 设置全局摇摆量
type SetSwing struct {
	Swing float64 `json:"swing"`
}

func (p SetSwing) Kind() MutationKind { return KindSetSwing }
func (p SetSwing) Target() Target     { return Target{Step: NoStep} }

// SetTrackSample 更换音轨采样
type SetTrackSample struct {
	TrackID  string `json:"trackId"`
	SampleID string `json:"sampleId"`
}

func (p SetTrackSample) Kind() MutationKind { return KindSetTrackSample }
func (p SetTrackSample) Target() Target     { return Target{TrackID: p.TrackID, Step: NoStep} }

// SetTrackVolume 设置音轨音量
type SetTrackVolume struct {
	TrackID string  `json:"trackId"`
	Volume  float64 `json:"volume"`
}

func (p SetTrackVolume) Kind() MutationKind { return KindSetTrackVolume }
func (p SetTrackVolume) Target() Target     { return Target{TrackID: p.TrackID, Step: NoStep} }

// SetTrackTranspose 设置音轨移调
type SetTrackTranspose struct {
	TrackID   string `json:"trackId"`
	Transpose int    `json:"transpose"`
}

func (p SetTrackTranspose) Kind() MutationKind { return KindSetTrackTranspose }
func (p SetTrackTranspose) Target() Target     { return Target{TrackID: p.TrackID, Step: NoStep} }

// SetTrackStepCount 设置音轨步数
type SetTrackStepCount struct {
	TrackID   string `json:"trackId"`
	StepCount int    `json:"stepCount"`
}

func (p SetTrackStepCount) Kind() MutationKind { return KindSetTrackStepCount }
func (p SetTrackStepCount) Target() Target     { return Target{TrackID: p.TrackID, Step: NoStep} }

// SetTrackSwing 设置音轨摇摆量
type SetTrackSwing struct {
	TrackID string  `json:"trackId"`
	Swing   float64 `json:"swing"`
}

func (p SetTrackSwing) Kind() MutationKind { return KindSetTrackSwing }
func (p SetTrackSwing) Target() Target     { return Target{TrackID: p.TrackID, Step: NoStep} }

// AddTrack 新增音轨
type AddTrack struct {
	Track model.TrackState `json:"track"`
}

func (p AddTrack) Kind() MutationKind { return KindAddTrack }
func (p AddTrack) Target() Target     { return Target{TrackID: p.Track.ID, Step: NoStep} }

// RemoveTrack 删除音轨
type RemoveTrack struct {
	TrackID string `json:"trackId"`
}

func (p RemoveTrack) Kind() MutationKind { return KindRemoveTrack }
func (p RemoveTrack) Target() Target     { return Target{TrackID: p.TrackID, Step: NoStep} }

// RenameTrack 重命名音轨
type RenameTrack struct {
	TrackID string `json:"trackId"`
	Name    string `json:"name"`
}

func (p RenameTrack) Kind() MutationKind { return KindRenameTrack }
func (p RenameTrack) Target() Target     { return Target{TrackID: p.TrackID, Step: NoStep} }

// Mutation 变更的线上信封：kind 标签 + 原始负载。
// PlayerID 由权威端在广播给其他成员时填入。
type Mutation struct {
	Seq             int64           `json:"seq"`
	Kind            MutationKind    `json:"kind"`
	Data            json.RawMessage `json:"data"`
	SentAt          int64           `json:"sentAt"`          // 本地毫秒时间戳
	SentAtServerEst int64           `json:"sentAtServerEst"` // 估算的权威端时钟发送时间
	PlayerID        int64           `json:"playerId,omitempty"`
}

// EncodeMutation 把变更负载封装为线上信封
func EncodeMutation(seq int64, p Payload, sentAt, sentAtServerEst int64) (Mutation, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to marshal mutation payload: %w", err)
	}
	return Mutation{
		Seq:             seq,
		Kind:            p.Kind(),
		Data:            data,
		SentAt:          sentAt,
		SentAtServerEst: sentAtServerEst,
	}, nil
}

// DecodePayload 按 kind 标签还原具体负载类型。
// 未知 kind 属于协议错误，由传输/反序列化层在进入核心前拒绝。
func (m *Mutation) DecodePayload() (Payload, error) {
	var p Payload
	switch m.Kind {
	case KindToggleStep:
		p = &ToggleStep{}
	case KindSetStepParams:
		p = &SetStepParams{}
	case KindSetTempo:
		p = &SetTempo{}
	case KindSetSwing:
		p = &SetSwing{}
	case KindSetTrackSample:
		p = &SetTrackSample{}
	case KindSetTrackVolume:
		p = &SetTrackVolume{}
	case KindSetTrackTranspose:
		p = &SetTrackTranspose{}
	case KindSetTrackStepCount:
		p = &SetTrackStepCount{}
	case KindSetTrackSwing:
		p = &SetTrackSwing{}
	case KindAddTrack:
		p = &AddTrack{}
	case KindRemoveTrack:
		p = &RemoveTrack{}
	case KindRenameTrack:
		p = &RenameTrack{}
	default:
		return nil, fmt.Errorf("unknown mutation kind: %s", m.Kind)
	}
	if err := json.Unmarshal(m.Data, p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", m.Kind, err)
	}
	return derefPayload(p), nil
}

// derefPayload 把指针负载还原为值类型，保持 Payload 集合封闭一致
func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *ToggleStep:
		return *v
	case *SetStepParams:
		return *v
	case *SetTempo:
		return *v
	case *SetSwing:
		return *v
	case *SetTrackSample:
		return *v
	case *SetTrackVolume:
		return *v
	case *SetTrackTranspose:
		return *v
	case *SetTrackStepCount:
		return *v
	case *SetTrackSwing:
		return *v
	case *AddTrack:
		return *v
	case *RemoveTrack:
		return *v
	case *RenameTrack:
		return *v
	}
	return p
}
