package registry

// UpdateReputation 是信誉更新的纯函数：new = old + alpha*(signal-old)，
// signal 成功为 1.0、失败为 0.0，结果裁剪到 [0,1]。
func UpdateReputation(old float64, success bool, alpha float64) float64 {
	signal := 0.0
	if success {
		signal = 1.0
	}
	next := old + alpha*(signal-old)
	if next < 0 {
		return 0
	}
	if next > 1 {
		return 1
	}
	return next
}
