// Package sqlstore provides a MySQL-backed Metastore.
//
// The default queries read and write an encryption_key table with id,
// created and key_record columns, using MySQL-style ? placeholders. A
// dialect with other placeholder syntax needs its own queries, supplied
// through WithLoadQuery, WithStoreQuery and WithLoadLatestQuery.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/lockboxhq/envelope/envelope"
)

const (
	defaultLoadQuery       = "SELECT key_record FROM encryption_key WHERE id = ? AND created = ?"
	defaultStoreQuery      = "INSERT INTO encryption_key (id, created, key_record) VALUES (?, ?, ?)"
	defaultLoadLatestQuery = "SELECT key_record FROM encryption_key WHERE id = ? ORDER BY created DESC LIMIT 1"
)

var (
	_ envelope.Metastore = (*Metastore)(nil)

	storeTimer      = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.store", envelope.MetricsPrefix), nil)
	loadTimer       = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.load", envelope.MetricsPrefix), nil)
	loadLatestTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.metastore.sql.loadlatest", envelope.MetricsPrefix), nil)
)

// Option configures a Metastore beyond its required constructor argument.
type Option func(*Metastore)

// WithLoadQuery overrides the default "load one record" query.
func WithLoadQuery(q string) Option {
	return func(s *Metastore) { s.loadQuery = q }
}

// WithStoreQuery overrides the default "insert one record" query.
func WithStoreQuery(q string) Option {
	return func(s *Metastore) { s.storeQuery = q }
}

// WithLoadLatestQuery overrides the default "load newest record" query.
func WithLoadLatestQuery(q string) Option {
	return func(s *Metastore) { s.loadLatestQuery = q }
}

// Metastore implements envelope.Metastore against a MySQL-compatible
// database/sql driver.
type Metastore struct {
	db *sql.DB

	loadQuery       string
	storeQuery      string
	loadLatestQuery string
}

// New returns a Metastore that queries db, defaulting to the standard
// encryption_key table layout.
func New(db *sql.DB, opts ...Option) *Metastore {
	s := &Metastore{
		db:              db,
		loadQuery:       defaultLoadQuery,
		storeQuery:      defaultStoreQuery,
		loadLatestQuery: defaultLoadLatestQuery,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func parseEnvelope(s scanner) (*envelope.EnvelopeKeyRecord, error) {
	var record string

	if err := s.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "error from scanner")
	}

	var ekr *envelope.EnvelopeKeyRecord
	if err := json.Unmarshal([]byte(record), &ekr); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal key record")
	}

	return ekr, nil
}

// Load returns the record matching (keyID, created), or nil if absent.
func (s *Metastore) Load(ctx context.Context, keyID string, created int64) (*envelope.EnvelopeKeyRecord, error) {
	defer loadTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, s.loadQuery, keyID, time.Unix(created, 0)))
}

// LoadLatest returns the newest record matching keyID, or nil if none
// exists.
func (s *Metastore) LoadLatest(ctx context.Context, keyID string) (*envelope.EnvelopeKeyRecord, error) {
	defer loadLatestTimer.UpdateSince(time.Now())

	return parseEnvelope(s.db.QueryRowContext(ctx, s.loadLatestQuery, keyID))
}

// Store inserts ekr under (keyID, created). database/sql has no portable
// way to distinguish a duplicate-key violation from any other insert
// failure, so both are reported identically as (false, err); callers
// should treat any failed Store as "maybe a race, reload to find out."
func (s *Metastore) Store(ctx context.Context, keyID string, created int64, ekr *envelope.EnvelopeKeyRecord) (bool, error) {
	defer storeTimer.UpdateSince(time.Now())

	bytes, err := json.Marshal(ekr)
	if err != nil {
		return false, errors.Wrap(err, "error marshaling envelope")
	}

	if _, err := s.db.ExecContext(ctx, s.storeQuery, keyID, time.Unix(created, 0), string(bytes)); err != nil {
		return false, errors.Wrapf(err, "error storing key: %s, %d", keyID, created)
	}

	return true, nil
}
