package core

import (
	"encoding/json"
	"time"
)

// DeliveryType marks what a subscriber callback is receiving.
type DeliveryType string

const (
	DeliveryData   DeliveryType = "data"
	DeliveryCached DeliveryType = "cached"
	DeliveryError  DeliveryType = "error"
	DeliveryStatus DeliveryType = "status"
)

// Delivery is the value handed to subscriber callbacks.
type Delivery struct {
	Type      DeliveryType    `json:"type"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Success   bool            `json:"success"`
	Manual    bool            `json:"manual,omitempty"`
}
