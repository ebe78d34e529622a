package models

import "gorm.io/gorm"

// SavedConnection is a broker connection remembered across restarts.
// Config is the broker's key/value configuration serialized as JSON.
type SavedConnection struct {
	gorm.Model
	BrokerType  string `json:"broker_type" gorm:"uniqueIndex"`
	Config      string `json:"config"`
	AutoConnect bool   `json:"auto_connect"`
}
