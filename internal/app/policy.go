package app

import "github.com/dkeye/VoiceSFU/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackPressure(conn domain.ConnID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ConnID) BackpressureAction {
	return KickMember
}

// TolerantPolicy only drops the event. Useful for load tests.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(domain.ConnID) BackpressureAction {
	return DropFrame
}
