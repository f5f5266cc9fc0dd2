package model

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	// MTInsightUpdate carries a TireStressInsight payload. Records without a
	// type discriminator are treated as insight updates.
	MTInsightUpdate MessageType = "insight_update"
	// MTConnected is the synthetic handshake frame sent to a subscriber on
	// connect. Never read from the result log.
	MTConnected MessageType = "connected"
	// MTOther marks records with an unrecognized discriminator. They are
	// passed through to subscribers verbatim.
	MTOther MessageType = "other"
)

// ResultRecord is the envelope read from the durable result log. ID is the
// log sequence and serves as the resume cursor.
type ResultRecord struct {
	ID      uint64
	Type    MessageType
	Insight *TireStressInsight
	// Raw holds the original payload. It is what subscribers receive, so a
	// record survives the broadcast path byte-identical.
	Raw json.RawMessage
}

type recordEnvelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeResultRecord decodes a raw log entry into the tagged union. A missing
// type discriminator defaults to insight_update.
func DecodeResultRecord(id uint64, payload []byte) (*ResultRecord, error) {
	var env recordEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	ret := &ResultRecord{ID: id, Raw: payload}
	switch env.Type {
	case "", MTInsightUpdate:
		ret.Type = MTInsightUpdate
		var insight TireStressInsight
		if err := json.Unmarshal(env.Data, &insight); err != nil {
			return nil, err
		}
		ret.Insight = &insight
	default:
		ret.Type = MTOther
	}
	return ret, nil
}

// EncodeInsightRecord produces the log payload for an insight.
func EncodeInsightRecord(insight *TireStressInsight) ([]byte, error) {
	data, err := json.Marshal(insight)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordEnvelope{Type: MTInsightUpdate, Data: data})
}

// ConnectedFrame is the handshake sent to a subscriber right after connect.
type ConnectedFrame struct {
	Type MessageType `json:"type"`
	Now  time.Time   `json:"now"`
}

func NewConnectedFrame() *ConnectedFrame {
	return &ConnectedFrame{Type: MTConnected, Now: time.Now().UTC()}
}
