// Package service implements the service registry: every hosted service
// (admin, file repository, tag repository) loaded into memory at boot, with
// mutations marked dirty and flushed to the services table periodically.
package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/nedfreetoplay/hydrus/pkg/db"
	"github.com/nedfreetoplay/hydrus/pkg/events"
	"github.com/nedfreetoplay/hydrus/pkg/herr"
	"github.com/nedfreetoplay/hydrus/pkg/types"
)

// Options is the per-service tunable dictionary.
type Options struct {
	UpdatePeriod        time.Duration `json:"-"`
	NullificationPeriod time.Duration `json:"-"`
	TagFilter           []string      `json:"tag_filter,omitempty"`
	MaxStorage          int64         `json:"max_storage,omitempty"`
	LogUploaderIPs      bool          `json:"log_uploader_ips,omitempty"`

	// persisted forms of the durations, in seconds
	UpdatePeriodSeconds        int64 `json:"update_period"`
	NullificationPeriodSeconds int64 `json:"nullification_period"`
}

func (o Options) marshal() (string, error) {
	o.UpdatePeriodSeconds = int64(o.UpdatePeriod / time.Second)
	o.NullificationPeriodSeconds = int64(o.NullificationPeriod / time.Second)
	b, err := json.Marshal(o)
	return string(b), err
}

func unmarshalOptions(s string) (Options, error) {
	var o Options
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return Options{}, err
	}
	o.UpdatePeriod = time.Duration(o.UpdatePeriodSeconds) * time.Second
	o.NullificationPeriod = time.Duration(o.NullificationPeriodSeconds) * time.Second
	return o, nil
}

// Service is one hosted service. Values handed out by the registry are
// snapshots; mutation goes through the registry, which replaces the stored
// object and marks it dirty.
type Service struct {
	ID      int64
	Key     types.Key
	Type    types.ServiceType
	Name    string
	Port    int
	Options Options
}

// IsRepository reports whether the service owns repository content tables.
func (s *Service) IsRepository() bool {
	return s.Type == types.ServiceFileRepo || s.Type == types.ServiceTagRepo
}

// Registry holds every service in memory. Mutations happen on the
// serializer goroutine; reads from elsewhere get copies.
type Registry struct {
	broker *events.Broker

	mu       sync.RWMutex
	byID     map[int64]*Service
	byKey    map[types.Key]int64
	dirtyIDs map[int64]bool
}

// NewRegistry returns an empty registry. broker may be nil.
func NewRegistry(broker *events.Broker) *Registry {
	return &Registry{
		broker:   broker,
		byID:     make(map[int64]*Service),
		byKey:    make(map[types.Key]int64),
		dirtyIDs: make(map[int64]bool),
	}
}

// Load replaces the in-memory set with every row of the services table.
func (r *Registry) Load(ctx context.Context, q db.Querier) error {
	rows, err := q.QueryContext(ctx, `SELECT service_id, service_key, service_type, name, port, options FROM services`)
	if err != nil {
		return herr.Wrap(herr.Internal, err)
	}
	defer rows.Close()

	byID := make(map[int64]*Service)
	byKey := make(map[types.Key]int64)
	for rows.Next() {
		var (
			svc     Service
			keyB    []byte
			svcType string
			optsStr string
		)
		if err := rows.Scan(&svc.ID, &keyB, &svcType, &svc.Name, &svc.Port, &optsStr); err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		copy(svc.Key[:], keyB)
		svc.Type = types.ServiceType(svcType)
		svc.Options, err = unmarshalOptions(optsStr)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		byID[svc.ID] = &svc
		byKey[svc.Key] = svc.ID
	}
	if err := rows.Err(); err != nil {
		return herr.Wrap(herr.Internal, err)
	}

	r.mu.Lock()
	r.byID = byID
	r.byKey = byKey
	r.dirtyIDs = make(map[int64]bool)
	r.mu.Unlock()
	return nil
}

// Add inserts a new service row and registers it. Table provisioning and
// the null/admin account bootstrap are composed by the engine, not here.
func (r *Registry) Add(ctx context.Context, q db.Querier, svcType types.ServiceType, name string, port int, opts Options) (*Service, error) {
	var key types.Key
	if _, err := rand.Read(key[:]); err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	optsStr, err := opts.marshal()
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO services (service_key, service_type, name, port, options) VALUES (?, ?, ?, ?, ?)`,
		key[:], string(svcType), name, port, optsStr)
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, herr.Wrap(herr.Internal, err)
	}

	svc := &Service{ID: id, Key: key, Type: svcType, Name: name, Port: port, Options: opts}
	r.mu.Lock()
	r.byID[id] = svc
	r.byKey[key] = id
	r.mu.Unlock()
	return snapshot(svc), nil
}

// Get returns a snapshot of the service by id.
func (r *Registry) Get(id int64) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.byID[id]
	if !ok {
		return nil, herr.Newf(herr.NotFound, "no service %d", id)
	}
	return snapshot(svc), nil
}

// GetByKey returns a snapshot of the service by its key.
func (r *Registry) GetByKey(key types.Key) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, herr.New(herr.NotFound, "unknown service key")
	}
	return snapshot(r.byID[id]), nil
}

// All returns snapshots of every registered service.
func (r *Registry) All() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.byID))
	for _, svc := range r.byID {
		out = append(out, snapshot(svc))
	}
	return out
}

// Repositories returns snapshots of every file/tag repository service.
func (r *Registry) Repositories() []*Service {
	var out []*Service
	for _, svc := range r.All() {
		if svc.IsRepository() {
			out = append(out, svc)
		}
	}
	return out
}

// Mutate applies fn to a fresh copy of the service, swaps the copy in, and
// marks the service dirty for the next persistence sweep.
func (r *Registry) Mutate(id int64, fn func(*Service)) error {
	r.mu.Lock()
	svc, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return herr.Newf(herr.NotFound, "no service %d", id)
	}
	next := snapshot(svc)
	fn(next)
	next.ID = svc.ID
	next.Key = svc.Key
	r.byID[id] = next
	r.dirtyIDs[id] = true
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventServiceDirty, ServiceID: id})
	}
	return nil
}

// PersistDirty writes every dirty service back to the services table and
// clears the dirty set. Called as a repeating serializer job.
func (r *Registry) PersistDirty(ctx context.Context, q db.Querier) error {
	r.mu.Lock()
	dirty := make([]*Service, 0, len(r.dirtyIDs))
	for id := range r.dirtyIDs {
		dirty = append(dirty, snapshot(r.byID[id]))
	}
	r.mu.Unlock()

	for _, svc := range dirty {
		optsStr, err := svc.Options.marshal()
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
		_, err = q.ExecContext(ctx,
			`UPDATE services SET name = ?, port = ?, options = ? WHERE service_id = ?`,
			svc.Name, svc.Port, optsStr, svc.ID)
		if err != nil {
			return herr.Wrap(herr.Internal, err)
		}
	}

	r.mu.Lock()
	for _, svc := range dirty {
		delete(r.dirtyIDs, svc.ID)
	}
	r.mu.Unlock()
	return nil
}

func snapshot(s *Service) *Service {
	cp := *s
	cp.Options.TagFilter = append([]string(nil), s.Options.TagFilter...)
	return &cp
}
