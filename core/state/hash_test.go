package state

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adewale/keyboardia-sub006/model"
)

func baseState() *model.SessionState {
	return &model.SessionState{
		Tempo: 120,
		Swing: 0.1,
		Tracks: []model.TrackState{
			{
				ID:        "kick",
				Name:      "Kick",
				SampleID:  "s-kick",
				Steps:     []bool{true, false, false, false, true, false, false, false},
				Volume:    0.8,
				Transpose: 0,
				StepCount: 8,
			},
			{
				ID:       "hat",
				Name:     "Hat",
				SampleID: "s-hat",
				Steps:    []bool{true, true, true, true},
				Volume:   0.5,
				Swing:    0.2,
			},
		},
	}
}

func TestHashDeterministic(t *testing.T) {
	s := baseState()
	h1 := HashState(s)
	h2 := HashState(s)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 8)
	assert.Regexp(t, "^[0-9a-f]{8}$", h1)
}

func TestHashIgnoresLocalOnlyFields(t *testing.T) {
	a := baseState()
	b := baseState()
	b.Tracks[0].Muted = true
	b.Tracks[0].Soloed = true
	b.Tracks[0].Version = 42
	b.Tracks[1].Effects = map[string]float64{"reverb": 0.3}

	assert.Equal(t, HashState(a), HashState(b))
}

func TestHashIgnoresExplicitDefaults(t *testing.T) {
	// 显式写默认值和省略必须得到同一指纹，这正是先规范化再哈希的意义
	a := baseState()
	b := baseState()
	a.Tracks[1].StepCount = 0
	b.Tracks[1].StepCount = model.DefaultStepCount

	assert.Equal(t, HashState(a), HashState(b))
}

func TestHashSensitivity(t *testing.T) {
	base := HashState(baseState())

	mutations := map[string]func(*model.SessionState){
		"tempo":           func(s *model.SessionState) { s.Tempo = 121 },
		"swing":           func(s *model.SessionState) { s.Swing = 0.2 },
		"track step":      func(s *model.SessionState) { s.Tracks[0].Steps[1] = true },
		"track sample":    func(s *model.SessionState) { s.Tracks[0].SampleID = "s-snare" },
		"track volume":    func(s *model.SessionState) { s.Tracks[0].Volume = 0.9 },
		"track transpose": func(s *model.SessionState) { s.Tracks[0].Transpose = 3 },
		"track stepCount": func(s *model.SessionState) { s.Tracks[0].StepCount = 32 },
		"track swing":     func(s *model.SessionState) { s.Tracks[1].Swing = 0.3 },
		"track name":      func(s *model.SessionState) { s.Tracks[0].Name = "Kick 2" },
		"step params":     func(s *model.SessionState) { s.Tracks[0].Params = []*model.StepParams{{Velocity: 0.7}} },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			s := baseState()
			mutate(s)
			assert.NotEqual(t, base, HashState(s), "changing %s must change the hash", name)
		})
	}
}

func TestHashOrderSensitive(t *testing.T) {
	a := baseState()
	b := baseState()
	b.Tracks[0], b.Tracks[1] = b.Tracks[1], b.Tracks[0]

	assert.NotEqual(t, HashState(a), HashState(b))
}

func randomState(rng *rand.Rand) *model.SessionState {
	s := &model.SessionState{
		Tempo: 60 + rng.Float64()*120,
		Swing: rng.Float64() * 0.5,
	}
	n := rng.Intn(5)
	for i := 0; i < n; i++ {
		steps := make([]bool, rng.Intn(24))
		for j := range steps {
			steps[j] = rng.Intn(2) == 0
		}
		s.Tracks = append(s.Tracks, model.TrackState{
			ID:        string(rune('a' + i)),
			Name:      "track",
			SampleID:  string(rune('s' + i)),
			Steps:     steps,
			Volume:    rng.Float64(),
			Transpose: rng.Intn(12) - 6,
			StepCount: []int{0, 8, 16, 32}[rng.Intn(4)],
			Swing:     rng.Float64() * 0.3,
		})
	}
	return s
}

func TestHashRandomStatesLocalFieldInvariance(t *testing.T) {
	// 随机状态下本地字段的任意组合都不影响指纹
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		s := randomState(rng)
		h := HashState(s)

		for j := range s.Tracks {
			s.Tracks[j].Muted = rng.Intn(2) == 0
			s.Tracks[j].Soloed = rng.Intn(2) == 0
			s.Tracks[j].Version = rng.Int63n(1000)
		}
		require.Equal(t, h, HashState(s), "iteration %d", i)
	}
}

func TestHashRandomStatesTempoSensitivity(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		s := randomState(rng)
		h := HashState(s)
		s.Tempo += 1
		require.NotEqual(t, h, HashState(s), "iteration %d", i)
	}
}
