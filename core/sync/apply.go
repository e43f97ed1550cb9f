package sync

import "github.com/adewale/keyboardia-sub006/model"

// Apply 把变更负载应用到会话状态上。
// 权威端按到达顺序应用，客户端用同一个函数做乐观应用，保证两边
// 对同一串变更收敛到相同状态。目标音轨不存在时为无操作并返回 false。
func Apply(s *model.SessionState, p Payload) bool {
	switch v := p.(type) {
	case ToggleStep:
		i := s.FindTrack(v.TrackID)
		if i < 0 {
			return false
		}
		t := &s.Tracks[i]
		ensureStepLen(t, v.Step)
		if v.Step < 0 || v.Step >= len(t.Steps) {
			return false
		}
		t.Steps[v.Step] = v.On
		return true

	case SetStepParams:
		i := s.FindTrack(v.TrackID)
		if i < 0 {
			return false
		}
		t := &s.Tracks[i]
		ensureStepLen(t, v.Step)
		if v.Step < 0 || v.Step >= len(t.Params) {
			return false
		}
		if v.Params == nil {
			t.Params[v.Step] = nil
		} else {
			cp := *v.Params
			t.Params[v.Step] = &cp
		}
		return true

	case SetTempo:
		s.Tempo = v.BPM
		return true

	case SetSwing:
		s.Swing = v.Swing
		return true

	case SetTrackSample:
		i := s.FindTrack(v.TrackID)
		if i < 0 {
			return false
		}
		s.Tracks[i].SampleID = v.SampleID
		return true

	case SetTrackVolume:
		i := s.FindTrack(v.TrackID)
		if i < 0 {
			return false
		}
		s.Tracks[i].Volume = v.Volume
		return true

	case SetTrackTranspose:
		i := s.FindTrack(v.TrackID)
		if i < 0 {
			return false
		}
		s.Tracks[i].Transpose = v.Transpose
		return true

	case SetTrackStepCount:
		i := s.FindTrack(v.TrackID)
		if i < 0 || v.StepCount <= 0 {
			return false
		}
		s.Tracks[i].StepCount = v.StepCount
		return true

	case SetTrackSwing:
		i := s.FindTrack(v.TrackID)
		if i < 0 {
			return false
		}
		s.Tracks[i].Swing = v.Swing
		return true

	case AddTrack:
		if s.FindTrack(v.Track.ID) >= 0 {
			return false // 同 ID 重复添加为无操作
		}
		s.Tracks = append(s.Tracks, v.Track.Clone())
		return true

	case RemoveTrack:
		i := s.FindTrack(v.TrackID)
		if i < 0 {
			return false
		}
		s.Tracks = append(s.Tracks[:i], s.Tracks[i+1:]...)
		return true

	case RenameTrack:
		i := s.FindTrack(v.TrackID)
		if i < 0 {
			return false
		}
		s.Tracks[i].Name = v.Name
		return true
	}
	return false
}

// ensureStepLen 保证步数组能容纳下标 step（编辑超出当前数组但在
// 有效步数内的位置时就地补齐）
func ensureStepLen(t *model.TrackState, step int) {
	n := t.EffectiveStepCount()
	if step >= n {
		return
	}
	for len(t.Steps) < n {
		t.Steps = append(t.Steps, false)
	}
	for len(t.Params) < n {
		t.Params = append(t.Params, nil)
	}
}
