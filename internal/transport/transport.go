// Package transport connects the worker to its coordinators. The router
// poller and the scheduler channel both report worker state with pings and
// funnel the assignments they receive into the reconciler.
package transport

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/chunkmesh/chunkmesh/internal/chunk"
	"github.com/chunkmesh/chunkmesh/internal/config"
	"github.com/chunkmesh/chunkmesh/internal/reconcile"
	"github.com/chunkmesh/chunkmesh/internal/store"
	"github.com/chunkmesh/chunkmesh/pkg/proto"
)

// Applier accepts assignments in version order.
type Applier interface {
	Apply(a reconcile.Assignment) (bool, error)
	Version() (uint64, bool)
}

// StatusSource reports the chunk store state.
type StatusSource interface {
	Status() store.Status
}

// Reporter builds the pings sent to coordinators.
type Reporter struct {
	WorkerID string
	Version  string
	Store    StatusSource
	Applier  Applier
}

// Ping returns the current worker state: the ready ranges per dataset and
// the version of the last applied assignment.
func (r *Reporter) Ping() proto.Ping {
	st := r.Store.Status()
	p := proto.Ping{
		WorkerID: r.WorkerID,
		Version:  r.Version,
		Datasets: make(map[string][]proto.Range, len(st.Datasets)),
	}
	if v, ok := r.Applier.Version(); ok {
		p.AssignmentVersion = &v
	}
	for name, ds := range st.Datasets {
		p.StoredBytes += ds.BytesOnDisk
		p.FailingChunks += len(ds.Failing)
		if len(ds.Ranges) == 0 {
			continue
		}
		ranges := make([]proto.Range, 0, len(ds.Ranges))
		for _, rg := range ds.Ranges {
			ranges = append(ranges, proto.Range{Begin: rg.Begin, End: rg.End})
		}
		p.Datasets[name] = ranges
	}
	return p
}

// ToAssignment converts a wire assignment into chunk ids. Every range
// becomes one chunk of its dataset.
func ToAssignment(a proto.Assignment) (reconcile.Assignment, error) {
	out := reconcile.Assignment{Version: a.Version, Datasets: make(map[string][]chunk.ID, len(a.Datasets))}
	for name, ranges := range a.Datasets {
		ids := make([]chunk.ID, 0, len(ranges))
		for _, rg := range ranges {
			id := chunk.New(name, rg.Begin, rg.End)
			if err := id.Validate(); err != nil {
				return reconcile.Assignment{}, err
			}
			ids = append(ids, id)
		}
		out.Datasets[name] = ids
	}
	return out, nil
}

// Deliver applies a wire assignment received from source. It reports
// whether the assignment was applied; stale versions are not an error.
func Deliver(applier Applier, a proto.Assignment, source string, logger zerolog.Logger) (bool, error) {
	assignment, err := ToAssignment(a)
	if err != nil {
		logger.Warn().Err(err).Str("source", source).Uint64("version", a.Version).Msg("rejecting malformed assignment")
		return false, fmt.Errorf("malformed assignment %d from %s: %w", a.Version, source, err)
	}
	applied, err := applier.Apply(assignment)
	if err != nil {
		logger.Warn().Err(err).Str("source", source).Uint64("version", a.Version).Msg("failed to apply assignment")
		return false, err
	}
	return applied, nil
}

// Signer authenticates worker requests with its identity key.
type Signer struct {
	key ed25519.PrivateKey
	pub string
}

// NewSigner returns a signer for key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	pub, err := config.EncodePublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, pub: pub}, nil
}

// Sign adds the worker key and the signature of body to h.
func (s *Signer) Sign(h http.Header, body []byte) {
	h.Set(proto.HeaderWorkerKey, s.pub)
	h.Set(proto.HeaderWorkerSignature, base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, body)))
}

// Verify checks a signature added by Sign and returns the signing key.
func Verify(h http.Header, body []byte) (ed25519.PublicKey, error) {
	pub, err := config.DecodePublicKey(h.Get(proto.HeaderWorkerKey))
	if err != nil {
		return nil, fmt.Errorf("worker key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(h.Get(proto.HeaderWorkerSignature))
	if err != nil {
		return nil, fmt.Errorf("worker signature: %w", err)
	}
	if !ed25519.Verify(pub, body, sig) {
		return nil, fmt.Errorf("worker signature does not match")
	}
	return pub, nil
}

// SignedRequest builds a request whose body is signed by s. s may be nil.
func SignedRequest(method, url string, body []byte, s *Signer) (*http.Request, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s != nil {
		s.Sign(req.Header, body)
	}
	return req, nil
}
