package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"xfactor-bot-go/internal/bot"
	"xfactor-bot-go/internal/broker"
	"xfactor-bot-go/internal/models"
)

// NewDatabase creates a new database connection and performs auto-migration.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&models.Trade{}, &models.SavedConnection{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return db, nil
}

// TradeStore persists executed trades.
type TradeStore struct {
	db *gorm.DB
}

var _ bot.TradeRecorder = (*TradeStore)(nil)

func NewTradeStore(db *gorm.DB) *TradeStore {
	return &TradeStore{db: db}
}

// RecordTrade writes one executed order.
func (s *TradeStore) RecordTrade(botID string, rec bot.TradeRecord) error {
	row := models.Trade{
		BotID:      botID,
		Symbol:     rec.Symbol,
		Side:       rec.Side,
		Quantity:   rec.Quantity,
		Price:      rec.Price,
		OrderID:    rec.OrderID,
		Broker:     rec.Broker,
		Reasoning:  rec.Reasoning,
		Confidence: rec.Confidence,
		Timestamp:  rec.Time.UnixMilli(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// TradesForBot returns the most recent trades for one bot, newest first.
func (s *TradeStore) TradesForBot(botID string, limit int) ([]models.Trade, error) {
	var rows []models.Trade
	q := s.db.Where("bot_id = ?", botID).Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	return rows, nil
}

// ConnectionStore remembers broker connections across restarts.
type ConnectionStore struct {
	db *gorm.DB
}

func NewConnectionStore(db *gorm.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

// Save upserts the remembered configuration for one broker type.
func (s *ConnectionStore) Save(brokerType broker.Type, cfg broker.Config, autoConnect bool) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize broker config: %w", err)
	}
	row := models.SavedConnection{
		BrokerType:  string(brokerType),
		Config:      string(raw),
		AutoConnect: autoConnect,
	}
	err = s.db.Where(models.SavedConnection{BrokerType: string(brokerType)}).
		Assign(models.SavedConnection{Config: row.Config, AutoConnect: autoConnect}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// Delete forgets the saved connection for one broker type.
func (s *ConnectionStore) Delete(brokerType broker.Type) error {
	err := s.db.Where("broker_type = ?", string(brokerType)).
		Delete(&models.SavedConnection{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// AutoConnectAll connects every saved connection flagged for auto-connect.
// Failures are collected per broker so one bad credential set does not
// block the rest; reconnection is the registry monitor's job afterwards.
func (s *ConnectionStore) AutoConnectAll(registry *broker.Registry, timeout time.Duration) map[broker.Type]error {
	var rows []models.SavedConnection
	if err := s.db.Where("auto_connect = ?", true).Find(&rows).Error; err != nil {
		return map[broker.Type]error{"": fmt.Errorf("failed to load saved connections: %w", err)}
	}

	errs := make(map[broker.Type]error)
	for _, row := range rows {
		bt := broker.Type(row.BrokerType)
		var cfg broker.Config
		if err := json.Unmarshal([]byte(row.Config), &cfg); err != nil {
			errs[bt] = fmt.Errorf("corrupt saved config: %w", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := registry.Connect(ctx, bt, cfg)
		cancel()
		if err != nil {
			errs[bt] = err
		}
	}
	return errs
}
