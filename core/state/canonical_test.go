package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adewale/keyboardia-sub006/model"
)

func TestCanonicalizeNilAndEmpty(t *testing.T) {
	c := Canonicalize(nil)
	assert.NotNil(t, c.Tracks)
	assert.Len(t, c.Tracks, 0)

	c = Canonicalize(&model.SessionState{})
	assert.Len(t, c.Tracks, 0)
}

func TestCanonicalizePadsShortArrays(t *testing.T) {
	s := &model.SessionState{
		Tracks: []model.TrackState{{
			ID:        "t1",
			Steps:     []bool{true, false, true, true},
			Params:    []*model.StepParams{{Velocity: 0.5}},
			StepCount: 16,
		}},
	}

	c := Canonicalize(s)
	require.Len(t, c.Tracks, 1)
	tr := c.Tracks[0]

	require.Len(t, tr.Steps, 16)
	assert.Equal(t, []bool{true, false, true, true}, tr.Steps[:4])
	for i := 4; i < 16; i++ {
		assert.False(t, tr.Steps[i], "padded step %d should be false", i)
	}

	require.Len(t, tr.Params, 16)
	require.NotNil(t, tr.Params[0])
	assert.Equal(t, 0.5, tr.Params[0].Velocity)
	for i := 1; i < 16; i++ {
		assert.Nil(t, tr.Params[i], "padded param %d should be nil", i)
	}
}

func TestCanonicalizeTruncatesLongArrays(t *testing.T) {
	steps := make([]bool, 20)
	for i := range steps {
		steps[i] = i%2 == 0
	}
	s := &model.SessionState{
		Tracks: []model.TrackState{{
			ID:        "t1",
			Steps:     steps,
			StepCount: 16,
		}},
	}

	c := Canonicalize(s)
	require.Len(t, c.Tracks[0].Steps, 16)
	assert.Equal(t, steps[:16], c.Tracks[0].Steps)
}

func TestCanonicalizeDefaults(t *testing.T) {
	// 未给步数时默认 16，未给摇摆量时默认 0
	s := &model.SessionState{
		Tracks: []model.TrackState{{ID: "t1"}},
	}

	c := Canonicalize(s)
	assert.Equal(t, 16, c.Tracks[0].StepCount)
	assert.Len(t, c.Tracks[0].Steps, 16)
	assert.Equal(t, 0.0, c.Tracks[0].Swing)
}

func TestCanonicalizeIsPure(t *testing.T) {
	// 规范化不得修改输入
	s := &model.SessionState{
		Tracks: []model.TrackState{{
			ID:     "t1",
			Steps:  []bool{true},
			Params: []*model.StepParams{{Velocity: 1}},
		}},
	}

	c := Canonicalize(s)
	c.Tracks[0].Steps[0] = false
	c.Tracks[0].Params[0].Velocity = 99

	assert.True(t, s.Tracks[0].Steps[0])
	assert.Equal(t, 1.0, s.Tracks[0].Params[0].Velocity)
	assert.Len(t, s.Tracks[0].Steps, 1)
}
