package stats

// ChannelStat 单个 channel（或队列）的占用情况
type ChannelStat struct {
	Name   string  `json:"name"`
	Module string  `json:"module"`
	Len    int     `json:"len"`
	Cap    int     `json:"cap"`   // 0 表示无界
	Usage  float64 `json:"usage"` // len/cap，无界时为 0
}

func NewChannelStat(name, module string, length, capacity int) ChannelStat {
	usage := 0.0
	if capacity > 0 {
		usage = float64(length) / float64(capacity)
	}
	return ChannelStat{
		Name:   name,
		Module: module,
		Len:    length,
		Cap:    capacity,
		Usage:  usage,
	}
}
