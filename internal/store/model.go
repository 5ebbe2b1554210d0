package store

import (
	"sort"
	"time"

	"omes/internal/order"
	"omes/internal/schema"
)

// OrderRecord is one row of the orders table.
type OrderRecord struct {
	Session         string `gorm:"primaryKey;size:64"`
	OrdSid          int32  `gorm:"primaryKey;autoIncrement:false"`
	ExchangeOrderID string `gorm:"size:64;index"`
	ClientKey       int32
	SecSid          int64  `gorm:"index"`
	Side            string `gorm:"size:8"`
	Type            string `gorm:"size:24"`
	TimeInForce     string `gorm:"size:8"`
	LimitPrice      int64
	Quantity        int64
	CumQty          int64
	LeavesQty       int64
	Status          string `gorm:"size:24"`
	RejectType      string `gorm:"size:40"`
	Reason          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (OrderRecord) TableName() string { return "orders" }

// TradeRecord is one row of the trades table.
type TradeRecord struct {
	Session     string `gorm:"primaryKey;size:64"`
	TradeSid    int32  `gorm:"primaryKey;autoIncrement:false"`
	OrdSid      int32  `gorm:"index"`
	SecSid      int64
	Side        string `gorm:"size:8"`
	ExecutionID string `gorm:"size:64;index"`
	ExecPrice   int64
	ExecQty     int64
	Status      string `gorm:"size:16"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (TradeRecord) TableName() string { return "trades" }

// PositionRecord is the carried-over long position of a security.
type PositionRecord struct {
	SecSid    int64 `gorm:"primaryKey;autoIncrement:false"`
	Quantity  int64
	UpdatedAt time.Time
}

func (PositionRecord) TableName() string { return "positions" }

func orderRecord(o order.Order) OrderRecord {
	rec := OrderRecord{
		OrdSid:          int32(o.OrdSid),
		ExchangeOrderID: o.ExchangeOrderID,
		ClientKey:       int32(o.ClientKey),
		SecSid:          int64(o.SecSid),
		Side:            o.Side.String(),
		Type:            o.Type.String(),
		TimeInForce:     o.TimeInForce.String(),
		LimitPrice:      int64(o.LimitPrice),
		Quantity:        int64(o.Quantity),
		CumQty:          int64(o.CumQty),
		LeavesQty:       int64(o.LeavesQty),
		Status:          o.Status.String(),
		Reason:          o.Reason,
		CreatedAt:       o.CreateTime,
		UpdatedAt:       o.UpdateTime,
	}
	if o.RejectType != schema.RejectTypeNone {
		rec.RejectType = o.RejectType.String()
	}
	return rec
}

func tradeRecord(t order.Trade) TradeRecord {
	return TradeRecord{
		TradeSid:    int32(t.TradeSid),
		OrdSid:      int32(t.OrdSid),
		SecSid:      int64(t.SecSid),
		Side:        t.Side.String(),
		ExecutionID: t.ExecutionID,
		ExecPrice:   int64(t.ExecPrice),
		ExecQty:     int64(t.ExecQty),
		Status:      t.Status.String(),
		CreatedAt:   t.CreateTime,
		UpdatedAt:   t.UpdateTime,
	}
}

func positionMap(rows []PositionRecord) map[schema.SecSid]schema.Quantity {
	out := make(map[schema.SecSid]schema.Quantity, len(rows))
	for _, r := range rows {
		out[schema.SecSid(r.SecSid)] = schema.Quantity(r.Quantity)
	}
	return out
}

func positionRecords(positions map[schema.SecSid]schema.Quantity, at time.Time) []PositionRecord {
	rows := make([]PositionRecord, 0, len(positions))
	for sid, qty := range positions {
		rows = append(rows, PositionRecord{SecSid: int64(sid), Quantity: int64(qty), UpdatedAt: at})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SecSid < rows[j].SecSid })
	return rows
}
