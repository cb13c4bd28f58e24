package common

import "time"

// Reading is the current snapshot of the four dashboard metrics.
type Reading struct {
	Speed int `json:"speed"` // km/h
	RPM   int `json:"rpm"`   // rpm
	Temp  int `json:"temp"`  // coolant, °C
	Fuel  int `json:"fuel"`  // percent
}

// ProxyError is the JSON payload the relay sends when the TCP bridge can't be established.
type ProxyError struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// CommandMessage is an inbound command for the adapter
type CommandMessage struct {
	Command       string `json:"command"`        // AT or mode 01 command, without the trailing \r
	CorrelationID string `json:"correlation_id"` // echoed back in CommandResponse
	Description   string `json:"description"`
	VIN           string `json:"vin"`
}

// CommandResponse reports the outcome of a CommandMessage
type CommandResponse struct {
	CorrelationID string      `json:"correlation_id"`
	Status        string      `json:"status"` // "success", "error"
	Result        interface{} `json:"result"`
	Error         string      `json:"error,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}
