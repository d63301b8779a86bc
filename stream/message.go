// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxflow/storage"
)

// Record field names.
const (
	fieldData = "data"
	fieldOpts = "opts"
)

var ErrMalformedRecord = errors.New("malformed stream record")

// Message is a decoded log record: job data plus the options it was
// produced with.
type Message struct {
	ID   string
	Data json.RawMessage
	Opts storage.JobOptions
	Time time.Time
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

func encodeFields(data json.RawMessage, opts storage.JobOptions) (map[string]string, error) {
	rawOpts, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode options: %w", err)
	}
	return map[string]string{
		fieldData: string(data),
		fieldOpts: string(rawOpts),
	}, nil
}

func decodeRecord(rec storage.Record) (Message, error) {
	data, ok := rec.Fields[fieldData]
	if !ok || !json.Valid([]byte(data)) {
		return Message{}, fmt.Errorf("%w: record %s has no valid data", ErrMalformedRecord, rec.ID)
	}

	msg := Message{
		ID:   rec.ID,
		Data: json.RawMessage(data),
		Time: rec.Time,
	}
	if opts := rec.Fields[fieldOpts]; opts != "" {
		if err := json.Unmarshal([]byte(opts), &msg.Opts); err != nil {
			return Message{}, fmt.Errorf("%w: record %s options: %w", ErrMalformedRecord, rec.ID, err)
		}
	}
	return msg, nil
}
