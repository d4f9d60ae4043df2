package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"autotrade/internal/domain/model"
)

const pingPongTrID = "PINGPONG"

// ChannelKey identifies one subscription: channel (transaction id) plus
// instrument key.
type ChannelKey struct {
	Channel    string
	Instrument string
}

func (k ChannelKey) String() string { return k.Channel + "|" + k.Instrument }

// Record is one decoded data record.
type Record struct {
	Key      ChannelKey
	Fields   []string
	Received time.Time
}

// Handler turns a record into a tick. ok=false drops the record.
type Handler func(r Record) (tick model.Tick, ok bool)

// PriceHandler reads the execution-price layout: code, HHMMSS, price, and the
// trade volume at index 12 when present.
func PriceHandler(r Record) (model.Tick, bool) {
	if len(r.Fields) < 3 {
		return model.Tick{}, false
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(r.Fields[2]), 64)
	if err != nil || price <= 0 {
		return model.Tick{}, false
	}
	var vol float64
	if len(r.Fields) > 12 {
		vol, _ = strconv.ParseFloat(strings.TrimSpace(r.Fields[12]), 64)
	}
	return model.Tick{
		Instrument: r.Key.Instrument,
		Price:      price,
		Volume:     vol,
		Channel:    r.Key.Channel,
		Ts:         r.Received,
	}, true
}

type controlHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"` // "1" register, "2" release
	ContentType string `json:"content-type"`
}

type controlInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

type controlMessage struct {
	Header controlHeader `json:"header"`
	Body   struct {
		Input controlInput `json:"input"`
	} `json:"body"`
}

func encodeSubscribe(approvalKey string, key ChannelKey) ([]byte, error) {
	var msg controlMessage
	msg.Header = controlHeader{
		ApprovalKey: approvalKey,
		CustType:    "P",
		TrType:      "1",
		ContentType: "utf-8",
	}
	msg.Body.Input = controlInput{TrID: key.Channel, TrKey: key.Instrument}
	return json.Marshal(msg)
}

// serverControl is a JSON frame from the server: subscription acks and
// PINGPONG heartbeats.
type serverControl struct {
	Header struct {
		TrID    string `json:"tr_id"`
		TrKey   string `json:"tr_key"`
		Encrypt string `json:"encrypt"`
	} `json:"header"`
	Body struct {
		RtCd  string `json:"rt_cd"`
		MsgCd string `json:"msg_cd"`
		Msg1  string `json:"msg1"`
	} `json:"body"`
}

var errEncrypted = errors.New("encrypted frame")

// isDataFrame reports whether b is a pipe-delimited data frame rather than
// a JSON control frame.
func isDataFrame(b []byte) bool {
	return len(b) > 1 && (b[0] == '0' || b[0] == '1') && b[1] == '|'
}

// decodeData splits "flag|tr_id|count|f^f^f..." into count records.
func decodeData(b []byte, now time.Time) ([]Record, error) {
	parts := strings.SplitN(string(b), "|", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed frame: %d sections", len(parts))
	}
	if parts[0] == "1" {
		return nil, errEncrypted
	}
	count, err := strconv.Atoi(parts[2])
	if err != nil || count <= 0 {
		return nil, fmt.Errorf("malformed frame: record count %q", parts[2])
	}
	fields := strings.Split(parts[3], "^")
	if len(fields)%count != 0 {
		return nil, fmt.Errorf("malformed frame: %d fields for %d records", len(fields), count)
	}
	per := len(fields) / count
	out := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		rec := fields[i*per : (i+1)*per]
		out = append(out, Record{
			Key:      ChannelKey{Channel: parts[1], Instrument: rec[0]},
			Fields:   rec,
			Received: now,
		})
	}
	return out, nil
}
