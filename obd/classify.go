package obd

import (
	"encoding/json"
	"strings"

	"obd-relay/common"
)

// Kind is the classification of an incoming relay payload.
type Kind int

const (
	KindTelemetry   Kind = iota // candidate diagnostic lines
	KindProxyError              // relay reported a bridge failure
	KindAdapterInfo             // adapter identification banner
	KindAck                     // bare command acknowledgment
)

// AdapterID is the substring that identifies the adapter banner.
const AdapterID = "ELM327"

// AckToken is the literal command acknowledgment.
const AckToken = "OK"

func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return "telemetry"
	case KindProxyError:
		return "proxy_error"
	case KindAdapterInfo:
		return "adapter_info"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Classify decides how a payload should be handled. The payload is trimmed first.
// For KindProxyError the decoded error payload is returned as well.
//
// A JSON error object anywhere in the payload wins over any other content, so
// a proxy error is never fed to the telemetry decoder.
func Classify(payload string) (Kind, *common.ProxyError) {
	payload = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(payload), Prompt))

	if perr, ok := findProxyError(payload); ok {
		return KindProxyError, perr
	}
	if strings.Contains(payload, AdapterID) {
		return KindAdapterInfo, nil
	}
	if payload == AckToken {
		return KindAck, nil
	}
	return KindTelemetry, nil
}

// findProxyError tries every '{' in payload as the start of a JSON object and
// returns the first one carrying a non-null error field.
func findProxyError(payload string) (*common.ProxyError, bool) {
	for i := 0; i < len(payload); i++ {
		if payload[i] != '{' {
			continue
		}
		var fields map[string]json.RawMessage
		if err := json.NewDecoder(strings.NewReader(payload[i:])).Decode(&fields); err != nil {
			continue
		}
		if perr, ok := proxyErrorFromFields(fields); ok {
			return perr, true
		}
	}
	return nil, false
}

func proxyErrorFromFields(fields map[string]json.RawMessage) (*common.ProxyError, bool) {
	raw, ok := fields["error"]
	if !ok || string(raw) == "null" {
		return nil, false
	}

	perr := &common.ProxyError{}
	if err := json.Unmarshal(raw, &perr.Error); err != nil {
		// non-string error values still count as errors
		perr.Error = string(raw)
	}
	if details, ok := fields["details"]; ok {
		_ = json.Unmarshal(details, &perr.Details)
	}
	return perr, true
}
