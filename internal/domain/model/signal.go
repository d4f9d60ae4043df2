package model

import "time"

// Direction of a strategy signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionExit  Direction = "EXIT"
)

// Sign returns +1 for LONG, -1 for SHORT and 0 otherwise.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

// Signal is produced by a strategy and never mutated afterwards.
type Signal struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Strength   float64   `json:"strength"` // [0,1]
	Source     string    `json:"source"`
	Ts         time.Time `json:"ts"`
}

// Tick is one streamed or polled price observation.
type Tick struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Volume     float64   `json:"volume"`
	Channel    string    `json:"channel"`
	Ts         time.Time `json:"ts"`
}
