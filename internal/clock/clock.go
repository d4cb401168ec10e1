// Package clock は現在時刻の取得を抽象化する。
// リマインダーの発火判定やイベントの終了判定をテストで固定時刻にするために使う。
package clock

import "time"

// Clock は現在時刻を返す。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem はtime.Nowを使うClockを返す。
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

type fixedClock struct {
	now time.Time
}

// NewFixed は常に同じ時刻を返すClockを返す。
func NewFixed(t time.Time) Clock {
	return fixedClock{now: t.UTC()}
}

func (f fixedClock) Now() time.Time {
	return f.now
}
