package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemyapp/beacon-relay/internal/model"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrJournalUnavailable = errors.New("presence journal not configured")
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type PresenceEventInput struct {
	Online   bool
	At       time.Time
	Duration time.Duration
	Location *model.LocationSample
}

func New(db DB) *Store {
	return &Store{db: db}
}

const schema = `
create table if not exists presence_events (
  id text primary key,
  online boolean not null,
  observed_at timestamptz not null,
  duration_ms bigint not null default 0,
  longitude double precision,
  latitude double precision,
  created_at timestamptz not null default now()
);
create index if not exists presence_events_observed_at_idx on presence_events (observed_at desc);
create table if not exists session_groups (
  id text primary key,
  online_longitude double precision,
  online_latitude double precision,
  online_at timestamptz,
  offline_longitude double precision,
  offline_latitude double precision,
  offline_at timestamptz,
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now()
);`

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *Store) InsertPresenceEvent(ctx context.Context, in PresenceEventInput) (string, error) {
	id := "pev_" + uuid.NewString()
	lon, lat := samplePosition(in.Location)
	const q = `
insert into presence_events
  (id, online, observed_at, duration_ms, longitude, latitude, created_at)
values
  ($1, $2, $3, $4, $5, $6, now())`
	if _, err := s.db.Exec(ctx, q, id, in.Online, in.At.UTC(), in.Duration.Milliseconds(), lon, lat); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) ListPresenceEvents(ctx context.Context, limit int) ([]model.PresenceEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
select id, online, observed_at, duration_ms,
       longitude is not null, coalesce(longitude, 0), coalesce(latitude, 0)
from presence_events
order by observed_at desc, id desc
limit $1`

	rows, err := s.db.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.PresenceEvent, 0)
	for rows.Next() {
		var e model.PresenceEvent
		var hasFix bool
		var lon, lat float64
		if err := rows.Scan(&e.ID, &e.Online, &e.At, &e.DurationMS, &hasFix, &lon, &lat); err != nil {
			return nil, err
		}
		if hasFix {
			e.Longitude = &lon
			e.Latitude = &lat
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetPresenceEvent(ctx context.Context, id string) (*model.PresenceEvent, error) {
	const q = `
select id, online, observed_at, duration_ms,
       longitude is not null, coalesce(longitude, 0), coalesce(latitude, 0)
from presence_events
where id = $1`
	var e model.PresenceEvent
	var hasFix bool
	var lon, lat float64
	if err := s.db.QueryRow(ctx, q, id).Scan(&e.ID, &e.Online, &e.At, &e.DurationMS, &hasFix, &lon, &lat); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if hasFix {
		e.Longitude = &lon
		e.Latitude = &lat
	}
	return &e, nil
}

// UpsertSessionGroup records a session group. The offline side is only
// ever filled in, never cleared.
func (s *Store) UpsertSessionGroup(ctx context.Context, g model.SessionGroup) error {
	onLon, onLat := samplePosition(g.OnlineSample)
	offLon, offLat := samplePosition(g.OfflineSample)
	const q = `
insert into session_groups
  (id, online_longitude, online_latitude, online_at, offline_longitude, offline_latitude, offline_at, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, now(), now())
on conflict (id)
do update set
  offline_longitude = coalesce(excluded.offline_longitude, session_groups.offline_longitude),
  offline_latitude = coalesce(excluded.offline_latitude, session_groups.offline_latitude),
  offline_at = coalesce(excluded.offline_at, session_groups.offline_at),
  updated_at = now()`
	_, err := s.db.Exec(ctx, q, g.ID, onLon, onLat, sampleTime(g.OnlineSample), offLon, offLat, sampleTime(g.OfflineSample))
	return err
}

func (s *Store) DeletePresenceEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from presence_events where observed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteSessionGroupsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from session_groups where updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// samplePosition returns untyped nils for a missing sample so the driver
// writes SQL NULL.
func samplePosition(s *model.LocationSample) (any, any) {
	if s == nil {
		return nil, nil
	}
	return s.Longitude, s.Latitude
}

func sampleTime(s *model.LocationSample) any {
	if s == nil {
		return nil
	}
	return s.ObservedAt.UTC()
}
