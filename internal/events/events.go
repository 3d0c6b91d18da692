// Package events decodes storage-write notifications into pipeline.UploadEvent.
//
// Three payload shapes are accepted:
//
//	{"bucket":"b","objectKey":"k","contentType":"image/jpeg","size":123}
//	{"bucket":"b","name":"k","contentType":"image/jpeg","size":"123", ...}   GCS object resource
//	{"message":{"data":"<base64 GCS object>","attributes":{"eventType":"OBJECT_FINALIZE"}}}
//
// Missing fields are not an error here; the router rejects incomplete events.
package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// EventTypeFinalize is the GCS notification type for a completed object write
const EventTypeFinalize = "OBJECT_FINALIZE"

// ErrIgnoredEvent is returned for notifications that are not object writes,
// e.g. deletes or metadata updates
var ErrIgnoredEvent = errors.New("notification is not an object write")

type payload struct {
	// direct form
	ObjectKey string `json:"objectKey"`

	// GCS object resource
	Name        string          `json:"name"`
	Bucket      string          `json:"bucket"`
	ContentType string          `json:"contentType"`
	Size        json.RawMessage `json:"size"`
	Generation  string          `json:"generation"`

	// Pub/Sub push envelope
	Message *pushMessage `json:"message"`
}

type pushMessage struct {
	Data       string            `json:"data"`
	Attributes map[string]string `json:"attributes"`
	MessageID  string            `json:"messageId"`
}

// Decode parses a notification body
func Decode(data []byte) (pipeline.UploadEvent, error) {
	if len(data) == 0 {
		return pipeline.UploadEvent{}, fmt.Errorf("events: empty payload")
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return pipeline.UploadEvent{}, fmt.Errorf("events: decode payload: %w", err)
	}

	if p.Message != nil {
		if t := p.Message.Attributes["eventType"]; t != "" && t != EventTypeFinalize {
			return pipeline.UploadEvent{}, fmt.Errorf("%w: %s", ErrIgnoredEvent, t)
		}
		inner, err := base64.StdEncoding.DecodeString(p.Message.Data)
		if err != nil {
			return pipeline.UploadEvent{}, fmt.Errorf("events: decode pubsub data: %w", err)
		}
		if len(inner) == 0 {
			return pipeline.UploadEvent{}, fmt.Errorf("events: empty pubsub data")
		}
		return Decode(inner)
	}

	size, err := parseSize(p.Size)
	if err != nil {
		return pipeline.UploadEvent{}, err
	}

	key := p.ObjectKey
	if key == "" {
		key = p.Name
	}
	return pipeline.UploadEvent{
		Bucket:      p.Bucket,
		ObjectKey:   key,
		ContentType: p.ContentType,
		SizeBytes:   size,
	}, nil
}

// size arrives as a JSON number in the direct form and as a string from GCS
func parseSize(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("events: invalid size %s", string(raw))
	}
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("events: parse size: %w", err)
	}
	return n, nil
}
