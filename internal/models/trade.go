package models

import "gorm.io/gorm"

// Trade represents one executed order in the database.
type Trade struct {
	gorm.Model
	BotID      string  `json:"bot_id" gorm:"index"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // "buy" or "sell"
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	OrderID    string  `json:"order_id"`
	Broker     string  `json:"broker"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}
