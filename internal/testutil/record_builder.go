package testutil

import (
	"time"

	"github.com/hupe1980/execpool/core"
)

// RecordBuilder helps construct records with fluent chaining for tests.
// Example:
//
//	rec := NewRecordBuilder("s1").Owner("u1").LastUsed(t0).Build()
type RecordBuilder struct {
	rec core.Record
}

// NewRecordBuilder creates a builder for key with handle id "h-<key>".
func NewRecordBuilder(key string) *RecordBuilder {
	now := time.Now()
	return &RecordBuilder{rec: core.Record{
		Key:        key,
		HandleID:   "h-" + key,
		Backend:    "test",
		CreatedAt:  now,
		LastUsedAt: now,
	}}
}

// Owner sets the owning principal (chainable).
func (b *RecordBuilder) Owner(o string) *RecordBuilder { b.rec.OwnerID = o; return b }

// Created sets the creation time (chainable).
func (b *RecordBuilder) Created(t time.Time) *RecordBuilder { b.rec.CreatedAt = t; return b }

// LastUsed sets the last-used time (chainable).
func (b *RecordBuilder) LastUsed(t time.Time) *RecordBuilder { b.rec.LastUsedAt = t; return b }

// Build returns the record.
func (b *RecordBuilder) Build() core.Record { return b.rec }
