package model

import "time"

// HistoryItem 记录一次提交过的查询，创建后不可修改。
type HistoryItem struct {
	ID         string    `json:"id"`
	Query      string    `json:"query"`
	Collection string    `json:"collection"`
	Timestamp  time.Time `json:"timestamp"`
}

// SameDay 判断条目是否与 day 落在 loc 时区下的同一个自然日。
func (h HistoryItem) SameDay(day time.Time, loc *time.Location) bool {
	y1, m1, d1 := h.Timestamp.In(loc).Date()
	y2, m2, d2 := day.In(loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
