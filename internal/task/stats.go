package task

// TaskStats 是符合过滤条件的任务按状态与请求类别的计数。
type TaskStats struct {
	Total           int            `json:"total"`
	Pending         int            `json:"pending"`
	Running         int            `json:"running"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	ByKind          map[string]int `json:"by_kind,omitempty"`
	OldestUpdatedAt int64          `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

// FailureRate 返回终态任务中失败的比例，没有终态任务时为 0。
func (s TaskStats) FailureRate() float64 {
	done := s.Succeeded + s.Failed
	if done == 0 {
		return 0
	}
	return float64(s.Failed) / float64(done)
}

func (s *TaskStats) countKind(kind string, n int) {
	if n <= 0 {
		return
	}
	if s.ByKind == nil {
		s.ByKind = make(map[string]int)
	}
	s.ByKind[kind] += n
}
