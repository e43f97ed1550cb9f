package sync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adewale/keyboardia-sub006/model"
)

// fakeTransport 记录外发变更的传输桩
type fakeTransport struct {
	sent    []Mutation
	sendErr error
}

func (f *fakeTransport) SendMutation(m Mutation) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, m)
	return nil
}

func testState() *model.SessionState {
	return &model.SessionState{
		Tempo: 120,
		Tracks: []model.TrackState{
			{ID: "trackA", Name: "A", StepCount: 16},
			{ID: "trackB", Name: "B", StepCount: 16},
		},
	}
}

func newTestCoordinator() (*Coordinator, *fakeTransport, *ManualClock) {
	ft := &fakeTransport{}
	clock := &ManualClock{}
	c := NewCoordinator(testState(), ft, Options{
		MutationTimeoutMs: 30000,
		ConfirmedMaxAgeMs: 60000,
		Clock:             clock,
	})
	return c, ft, clock
}

func TestLocalEditOptimisticApplyAndSend(t *testing.T) {
	c, ft, _ := newTestCoordinator()

	seq, err := c.LocalEdit(ToggleStep{TrackID: "trackA", Step: 3, On: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	// 本地状态立即生效
	snap := c.StateSnapshot()
	assert.True(t, snap.Tracks[0].Steps[3])

	// 已登记且已发送
	assert.Equal(t, 1, c.Stats().Pending)
	require.Len(t, ft.sent, 1)
	assert.Equal(t, KindToggleStep, ft.sent[0].Kind)
	assert.Equal(t, int64(1), ft.sent[0].Seq)

	// seq 严格递增
	seq2, err := c.LocalEdit(SetTempo{BPM: 128})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq2)
}

func TestLocalEditSendFailureKeepsTracking(t *testing.T) {
	c, ft, _ := newTestCoordinator()
	ft.sendErr = errors.New("socket closed")

	_, err := c.LocalEdit(SetTempo{BPM: 90})
	require.Error(t, err)

	// 发送失败的变更仍保持跟踪，等待超时转为 lost
	assert.Equal(t, 1, c.Stats().Pending)
}

// 端到端场景 1：confirm serverSeq=10，快照 serverSeq=10 到达 → 清理
func TestConfirmThenSnapshotClears(t *testing.T) {
	c, _, _ := newTestCoordinator()

	seq, err := c.LocalEdit(ToggleStep{TrackID: "trackA", Step: 3, On: true})
	require.NoError(t, err)

	require.True(t, c.HandleEcho(seq, 10))
	assert.Equal(t, 1, c.Stats().Confirmed)

	cleared := c.HandleSnapshot(testState(), 10)
	assert.Equal(t, 1, cleared)
	assert.Equal(t, 0, c.Stats().Confirmed)
}

// 端到端场景 2：快照 serverSeq=5 早于确认序号 10 → 保留
func TestConfirmAfterSnapshotKept(t *testing.T) {
	c, _, _ := newTestCoordinator()

	seq, err := c.LocalEdit(ToggleStep{TrackID: "trackA", Step: 3, On: true})
	require.NoError(t, err)
	require.True(t, c.HandleEcho(seq, 10))

	cleared := c.HandleSnapshot(testState(), 5)
	assert.Equal(t, 0, cleared)
	assert.Equal(t, 1, c.Stats().Confirmed)
}

// 端到端场景 3：双方编辑同一步，B 端收到抢占信号
func TestSupersededFlow(t *testing.T) {
	b, _, _ := newTestCoordinator()

	seq, err := b.LocalEdit(ToggleStep{TrackID: "trackA", Step: 3, On: true})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().Pending)

	require.True(t, b.HandleSuperseded(seq, 42))

	s := b.Stats()
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, 1, s.Superseded)
}

// 端到端场景 4：t=0 发送，timeout=30000，prune(40000) 标记丢失，
// prune(50000) 不重复计数
func TestPruneTickNoDoubleCount(t *testing.T) {
	c, _, clock := newTestCoordinator()

	_, err := c.LocalEdit(ToggleStep{TrackID: "trackA", Step: 0, On: true})
	require.NoError(t, err)

	clock.Now = 40000
	assert.Equal(t, 1, c.PruneTick())
	assert.Equal(t, 1, c.Stats().Lost)

	clock.Now = 50000
	assert.Equal(t, 0, c.PruneTick())
	assert.Equal(t, 1, c.Stats().Lost)
}

func TestHandleRemoteAppliesAndSupersedes(t *testing.T) {
	c, _, _ := newTestCoordinator()

	// 本地 pending 编辑 trackA/step3
	_, err := c.LocalEdit(ToggleStep{TrackID: "trackA", Step: 3, On: true})
	require.NoError(t, err)

	// 远端成员对同一步的编辑到达
	remote, err := EncodeMutation(9, ToggleStep{TrackID: "trackA", Step: 3, On: false}, 0, 0)
	require.NoError(t, err)
	remote.PlayerID = 42

	require.NoError(t, c.HandleRemote(remote))

	// 远端编辑生效，本地 pending 按被抢占处理
	snap := c.StateSnapshot()
	assert.False(t, snap.Tracks[0].Steps[3])

	s := c.Stats()
	assert.Equal(t, 0, s.Pending)
	assert.Equal(t, 1, s.Superseded)
}

func TestHandleRemoteDifferentTargetKeepsPending(t *testing.T) {
	c, _, _ := newTestCoordinator()

	_, err := c.LocalEdit(ToggleStep{TrackID: "trackA", Step: 3, On: true})
	require.NoError(t, err)

	remote, err := EncodeMutation(9, ToggleStep{TrackID: "trackA", Step: 4, On: true}, 0, 0)
	require.NoError(t, err)
	require.NoError(t, c.HandleRemote(remote))

	assert.Equal(t, 1, c.Stats().Pending)
	assert.Equal(t, 0, c.Stats().Superseded)
}

func TestSnapshotReplacesLocalState(t *testing.T) {
	c, _, _ := newTestCoordinator()

	_, err := c.LocalEdit(SetTempo{BPM: 140})
	require.NoError(t, err)
	assert.Equal(t, 140.0, c.StateSnapshot().Tempo)

	snap := testState()
	snap.Tempo = 100
	c.HandleSnapshot(snap, 1)

	assert.Equal(t, 100.0, c.StateSnapshot().Tempo)
}

func TestDisconnectResetsSequenceSpace(t *testing.T) {
	c, _, _ := newTestCoordinator()

	_, err := c.LocalEdit(SetTempo{BPM: 130})
	require.NoError(t, err)
	_, err = c.LocalEdit(SetTempo{BPM: 131})
	require.NoError(t, err)

	c.Disconnect()

	assert.Equal(t, 0, c.Stats().Pending)

	// 重连后从全新序号空间开始
	seq, err := c.LocalEdit(SetTempo{BPM: 132})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestStateHashMatchesAuthorityAfterSnapshot(t *testing.T) {
	c, _, _ := newTestCoordinator()

	authority := testState()
	authority.Tempo = 99
	c.HandleSnapshot(authority, 1)

	// 本地指纹与权威状态一致（本地字段不影响）
	local := c.StateSnapshot()
	local.Tracks[0].Muted = true
	c2 := NewCoordinator(local, &fakeTransport{}, Options{Clock: &ManualClock{}})
	assert.Equal(t, c.StateHash(), c2.StateHash())
}

func TestMutationEnvelopeRoundTrip(t *testing.T) {
	payloads := []Payload{
		ToggleStep{TrackID: "a", Step: 2, On: true},
		SetStepParams{TrackID: "a", Step: 1, Params: &model.StepParams{Velocity: 0.7, Pitch: 2}},
		SetTempo{BPM: 133},
		SetSwing{Swing: 0.25},
		SetTrackSample{TrackID: "a", SampleID: "s9"},
		SetTrackVolume{TrackID: "a", Volume: 0.4},
		SetTrackTranspose{TrackID: "a", Transpose: -2},
		SetTrackStepCount{TrackID: "a", StepCount: 32},
		SetTrackSwing{TrackID: "a", Swing: 0.1},
		AddTrack{Track: model.TrackState{ID: "new", Name: "New"}},
		RemoveTrack{TrackID: "a"},
		RenameTrack{TrackID: "a", Name: "renamed"},
	}

	for _, p := range payloads {
		m, err := EncodeMutation(1, p, 10, 20)
		require.NoError(t, err)
		assert.Equal(t, p.Kind(), m.Kind)

		decoded, err := m.DecodePayload()
		require.NoError(t, err, "kind %s", p.Kind())
		assert.Equal(t, p, decoded, "kind %s", p.Kind())
	}

	bad := Mutation{Kind: "nonsense", Data: []byte("{}")}
	_, err := bad.DecodePayload()
	assert.Error(t, err)
}
