package sync

import (
	"testing"

	"github.com/adewale/keyboardia-sub006/core/state"
	"github.com/adewale/keyboardia-sub006/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyTestState() *model.SessionState {
	return &model.SessionState{
		Tempo: 120,
		Tracks: []model.TrackState{
			{
				ID:     "trackA",
				Name:   "Kick",
				Steps:  make([]bool, 16),
				Params: make([]*model.StepParams, 16),
				Volume: 1.0,
			},
			{
				ID:     "trackB",
				Name:   "Snare",
				Steps:  make([]bool, 16),
				Params: make([]*model.StepParams, 16),
				Volume: 0.8,
			},
		},
	}
}

func TestApplyToggleStep(t *testing.T) {
	s := applyTestState()

	require.True(t, Apply(s, ToggleStep{TrackID: "trackA", Step: 3, On: true}))
	assert.True(t, s.Tracks[0].Steps[3])

	require.True(t, Apply(s, ToggleStep{TrackID: "trackA", Step: 3, On: false}))
	assert.False(t, s.Tracks[0].Steps[3])
}

func TestApplyMissingTrackIsNoop(t *testing.T) {
	s := applyTestState()
	before := s.Clone()

	assert.False(t, Apply(s, ToggleStep{TrackID: "ghost", Step: 0, On: true}))
	assert.False(t, Apply(s, SetTrackVolume{TrackID: "ghost", Volume: 0.5}))
	assert.False(t, Apply(s, RemoveTrack{TrackID: "ghost"}))

	assert.Equal(t, state.HashState(before), state.HashState(s))
}

func TestApplyPadsShortStepArrays(t *testing.T) {
	s := &model.SessionState{
		Tracks: []model.TrackState{
			{ID: "trackA", Steps: make([]bool, 4), Params: make([]*model.StepParams, 4)},
		},
	}

	// 有效步数 16（默认），编辑第 10 步时就地补齐
	require.True(t, Apply(s, ToggleStep{TrackID: "trackA", Step: 10, On: true}))
	assert.Len(t, s.Tracks[0].Steps, 16)
	assert.True(t, s.Tracks[0].Steps[10])
	assert.False(t, s.Tracks[0].Steps[3])
}

func TestApplyStepOutOfRange(t *testing.T) {
	s := applyTestState()

	assert.False(t, Apply(s, ToggleStep{TrackID: "trackA", Step: 16, On: true}))
	assert.False(t, Apply(s, ToggleStep{TrackID: "trackA", Step: -1, On: true}))
}

func TestApplyStepParams(t *testing.T) {
	s := applyTestState()

	params := &model.StepParams{Velocity: 0.7, Pitch: 2, Prob: 0.9}
	require.True(t, Apply(s, SetStepParams{TrackID: "trackA", Step: 5, Params: params}))
	require.NotNil(t, s.Tracks[0].Params[5])
	assert.Equal(t, 0.7, s.Tracks[0].Params[5].Velocity)

	// 写入的是副本，改原参数不影响状态
	params.Velocity = 0.1
	assert.Equal(t, 0.7, s.Tracks[0].Params[5].Velocity)

	// nil 清除覆盖
	require.True(t, Apply(s, SetStepParams{TrackID: "trackA", Step: 5, Params: nil}))
	assert.Nil(t, s.Tracks[0].Params[5])
}

func TestApplyAddTrackDuplicateIsNoop(t *testing.T) {
	s := applyTestState()

	newTrack := model.TrackState{ID: "trackC", Name: "Hat", Steps: make([]bool, 16)}
	require.True(t, Apply(s, AddTrack{Track: newTrack}))
	assert.Len(t, s.Tracks, 3)

	assert.False(t, Apply(s, AddTrack{Track: newTrack}))
	assert.Len(t, s.Tracks, 3)
}

func TestApplyRemoveTrack(t *testing.T) {
	s := applyTestState()

	require.True(t, Apply(s, RemoveTrack{TrackID: "trackA"}))
	assert.Len(t, s.Tracks, 1)
	assert.Equal(t, "trackB", s.Tracks[0].ID)

	// 删除后针对该轨的编辑变为无操作
	assert.False(t, Apply(s, ToggleStep{TrackID: "trackA", Step: 0, On: true}))
}

func TestApplyGlobalMutations(t *testing.T) {
	s := applyTestState()

	require.True(t, Apply(s, SetTempo{BPM: 140}))
	assert.Equal(t, 140.0, s.Tempo)

	require.True(t, Apply(s, SetSwing{Swing: 0.25}))
	assert.Equal(t, 0.25, s.Swing)

	require.True(t, Apply(s, SetTrackStepCount{TrackID: "trackA", StepCount: 32}))
	assert.Equal(t, 32, s.Tracks[0].StepCount)
	assert.False(t, Apply(s, SetTrackStepCount{TrackID: "trackA", StepCount: 0}))

	require.True(t, Apply(s, RenameTrack{TrackID: "trackB", Name: "Clap"}))
	assert.Equal(t, "Clap", s.Tracks[1].Name)
}

// 两份状态按同一顺序应用同一串变更后必须收敛到相同指纹，
// 这是权威端与客户端乐观应用共用同一归约器的意义所在。
func TestApplyConvergence(t *testing.T) {
	a := applyTestState()
	b := applyTestState()

	edits := []Payload{
		ToggleStep{TrackID: "trackA", Step: 0, On: true},
		ToggleStep{TrackID: "trackA", Step: 4, On: true},
		SetTempo{BPM: 96},
		SetTrackSample{TrackID: "trackB", SampleID: "clap-01"},
		SetStepParams{TrackID: "trackB", Step: 2, Params: &model.StepParams{Velocity: 0.5, Prob: 1}},
		SetTrackVolume{TrackID: "trackA", Volume: 0.65},
		RemoveTrack{TrackID: "trackB"},
		AddTrack{Track: model.TrackState{ID: "trackC", Name: "Perc", Steps: make([]bool, 16)}},
		SetTrackTranspose{TrackID: "trackC", Transpose: -5},
	}

	for _, p := range edits {
		Apply(a, p)
		Apply(b, p)
	}

	assert.Equal(t, state.HashState(a), state.HashState(b))
}
