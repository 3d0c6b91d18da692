package pipeline

import (
	"fmt"
	"path"
	"strings"
)

// Default path convention shared with uploading clients.
const (
	DefaultSourcePrefix      = "property-images/"
	DefaultDerivativeSegment = "processed/"
	DefaultWatermarkKey      = "watermark.png"

	// RecordIDDelimiter separates the record id from the rest of an uploaded file name
	RecordIDDelimiter = "-"
)

// Layout describes where sources, derivatives and the watermark template live.
// Derivatives are written under SourcePrefix+DerivativeSegment and that prefix is
// the loop gate used by routing.
type Layout struct {
	SourcePrefix      string
	DerivativeSegment string
	WatermarkKey      string
}

// DefaultLayout returns the property-images layout
func DefaultLayout() Layout {
	return Layout{
		SourcePrefix:      DefaultSourcePrefix,
		DerivativeSegment: DefaultDerivativeSegment,
		WatermarkKey:      DefaultWatermarkKey,
	}
}

// WithDefaults fills in default values for empty fields and normalizes trailing slashes
func (l Layout) WithDefaults() Layout {
	if l.SourcePrefix == "" {
		l.SourcePrefix = DefaultSourcePrefix
	}
	if l.DerivativeSegment == "" {
		l.DerivativeSegment = DefaultDerivativeSegment
	}
	if l.WatermarkKey == "" {
		l.WatermarkKey = DefaultWatermarkKey
	}
	l.SourcePrefix = withTrailingSlash(l.SourcePrefix)
	l.DerivativeSegment = withTrailingSlash(strings.TrimPrefix(l.DerivativeSegment, "/"))
	return l
}

// DerivativePrefix is the prefix every derivative key starts with
func (l Layout) DerivativePrefix() string {
	return l.SourcePrefix + l.DerivativeSegment
}

// IsDerivative reports whether key lies under the derivative prefix
func (l Layout) IsDerivative(key string) bool {
	return strings.HasPrefix(key, l.DerivativePrefix())
}

// DerivativeKey maps a source key to its derivative key without I/O.
//
//	property-images/123-front.jpg -> property-images/processed/123-front.jpg
//
// Keys outside SourcePrefix keep their full path under the derivative prefix.
func (l Layout) DerivativeKey(sourceKey string) string {
	rest := strings.TrimPrefix(sourceKey, l.SourcePrefix)
	return l.DerivativePrefix() + strings.TrimPrefix(rest, "/")
}

// RecordID returns the base name of key up to, not including, the first "-".
// A base name without the delimiter or with an empty prefix is rejected rather
// than guessed at.
func (l Layout) RecordID(key string) (string, error) {
	base := path.Base(key)
	if base == "." || base == "/" || base == "" {
		return "", fmt.Errorf("%w: empty file name in %q", ErrInvalidRecordID, key)
	}
	idx := strings.Index(base, RecordIDDelimiter)
	if idx < 0 {
		return "", fmt.Errorf("%w: file name %q has no %q delimiter", ErrInvalidRecordID, base, RecordIDDelimiter)
	}
	if idx == 0 {
		return "", fmt.Errorf("%w: file name %q starts with %q", ErrInvalidRecordID, base, RecordIDDelimiter)
	}
	id := base[:idx]
	if strings.ContainsAny(id, " \t\r\n") {
		return "", fmt.Errorf("%w: record id %q contains whitespace", ErrInvalidRecordID, id)
	}
	return id, nil
}

// UploadKey builds the key an uploading client should write for a listing image
func (l Layout) UploadKey(recordID, fileName string) (string, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" || strings.Contains(recordID, RecordIDDelimiter) || strings.Contains(recordID, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecordID, recordID)
	}
	fileName = path.Base(strings.TrimSpace(fileName))
	if fileName == "." || fileName == "/" || fileName == "" {
		return "", fmt.Errorf("file name is required")
	}
	return l.SourcePrefix + recordID + RecordIDDelimiter + fileName, nil
}

func withTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
