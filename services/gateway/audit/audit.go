// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit persists the gateway's audit trail in BadgerDB.
//
// Every identity resolution, token issue or rejection, and chat turn outcome
// becomes one record carrying the subject and trust mode. Records expire
// after the configured retention.
package audit

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/embedchat/pkg/extensions"
)

// DefaultQueryLimit caps Query results when the filter sets no limit.
const DefaultQueryLimit = 100

// ErrClosed is returned after Close.
var ErrClosed = errors.New("audit: logger closed")

var keyPrefix = []byte("audit/")

// record is the stored form of an AuditEvent.
type record struct {
	ID           string         `json:"id"`
	EventType    string         `json:"event_type"`
	Timestamp    time.Time      `json:"timestamp"`
	Subject      string         `json:"subject"`
	Action       string         `json:"action,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Outcome      string         `json:"outcome"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func toRecord(e extensions.AuditEvent) record {
	return record{
		ID:           e.ID,
		EventType:    e.EventType,
		Timestamp:    e.Timestamp,
		Subject:      e.Subject,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Outcome:      e.Outcome,
		Metadata:     e.Metadata,
	}
}

func (r record) event() extensions.AuditEvent {
	return extensions.AuditEvent{
		ID:           r.ID,
		EventType:    r.EventType,
		Timestamp:    r.Timestamp,
		Subject:      r.Subject,
		Action:       r.Action,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Outcome:      r.Outcome,
		Metadata:     r.Metadata,
	}
}

// eventKey orders records by time: prefix | unix nanos (big endian) | id.
func eventKey(ts time.Time, id string) []byte {
	key := make([]byte, 0, len(keyPrefix)+8+len(id))
	key = append(key, keyPrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano()))
	return append(key, id...)
}

// BadgerLogger is an extensions.AuditLogger backed by BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerLogger struct {
	db        *badger.DB
	gc        *gcRunner
	retention time.Duration
	inMemory  bool
	logger    *slog.Logger
	now       func() time.Time

	closeOnce sync.Once
}

var _ extensions.AuditLogger = (*BadgerLogger)(nil)

// Open opens the audit store.
//
// # Inputs
//
//   - cfg: store configuration; see DefaultStoreConfig.
//   - logger: nil uses slog.Default().
//
// # Outputs
//
//   - *BadgerLogger: caller must Close it.
//   - error: path or database errors.
func Open(cfg StoreConfig, logger *slog.Logger) (*BadgerLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	l := &BadgerLogger{
		db:        db,
		retention: cfg.Retention,
		inMemory:  cfg.InMemory,
		logger:    logger.With(slog.String("component", "audit")),
		now:       time.Now,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		l.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, l.logger)
	}
	return l, nil
}

// Log stores event. ID and Timestamp are filled in when empty.
func (l *BadgerLogger) Log(ctx context.Context, event extensions.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.Subject == "" {
		event.Subject = "anonymous"
	}

	val, err := json.Marshal(toRecord(event))
	if err != nil {
		return fmt.Errorf("audit: encode %s: %w", event.EventType, err)
	}
	entry := badger.NewEntry(eventKey(event.Timestamp, event.ID), val)
	if l.retention > 0 {
		entry = entry.WithTTL(l.retention)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("audit: write %s: %w", event.EventType, err)
	}
	return nil
}

// Query returns events matching filter, newest first.
func (l *BadgerLogger) Query(ctx context.Context, filter extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	// Seek from just past the newest candidate key.
	seek := append([]byte{}, keyPrefix...)
	if filter.EndTime.IsZero() {
		seek = append(seek, bytes.Repeat([]byte{0xff}, 9)...)
	} else {
		seek = binary.BigEndian.AppendUint64(seek, uint64(filter.EndTime.UnixNano()))
	}

	events := make([]extensions.AuditEvent, 0)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(keyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("audit: decode %x: %w", it.Item().Key(), err)
			}
			ev := rec.event()
			if !filter.StartTime.IsZero() && ev.Timestamp.Before(filter.StartTime) {
				break
			}
			if !filter.Matches(ev) {
				continue
			}
			events = append(events, ev)
			if len(events) >= limit {
				break
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Flush makes every logged event durable.
func (l *BadgerLogger) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.inMemory {
		return nil
	}
	if err := l.db.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (l *BadgerLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.gc != nil {
			l.gc.stop()
		}
		err = l.db.Close()
	})
	return err
}
