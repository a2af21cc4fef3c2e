// Package drm handles content decryption: key-system selection, CDM
// session lifecycle, license request dispatch, and key-status
// aggregation.
package drm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"adaptivecore/internal/apperr"
	"adaptivecore/internal/clock"

	"github.com/google/uuid"
)

// SessionState is the per-session lifecycle state.
type SessionState int

const (
	StateFresh SessionState = iota
	StateGenerating
	StateAwaitingLicense
	StateUsable
	StateOutputRestricted
	StateExpired
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateGenerating:
		return "generating"
	case StateAwaitingLicense:
		return "awaiting-license"
	case StateUsable:
		return "usable"
	case StateOutputRestricted:
		return "output-restricted"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// KeyStatus is the aggregated status of one content key.
type KeyStatus int

const (
	KeyUsable KeyStatus = iota
	KeyExpired
	KeyOutputRestricted
	KeyInternalError
	KeyReleased
	KeyStatusPending
	KeyUsableInFuture
)

// InitData is an init-data blob surfaced from init-segment parsing.
// Type is one of "cenc", "keyids", "webm".
type InitData struct {
	Type string
	Data []byte
}

// KeySystemInfo describes one key system's DRM info from the manifest.
type KeySystemInfo struct {
	KeySystem        string
	LicenseServerURI string
	Persistent       bool // content marked stored -> persistent-license session
	InitData         []InitData
}

// LicenseRequest carries the CDM's message event bytes to the network.
type LicenseRequest struct {
	KeySystem string
	Body      []byte
	URI       string
}

type LicenseResponse struct {
	Body []byte
}

// RequestFilter/ResponseFilter let the application mutate license
// traffic before and after the exchange.
type RequestFilter func(*LicenseRequest) error
type ResponseFilter func(*LicenseResponse) error

// NetworkFunc performs the actual license HTTP exchange; injected so the
// engine stays transport-agnostic (wired to internal/netclient in production).
type NetworkFunc func(ctx context.Context, req *LicenseRequest) (*LicenseResponse, error)

// CDM abstracts the platform content-decryption module. A real
// implementation wraps EME or an equivalent; tests use a fake.
type CDM interface {
	// SupportsKeySystem reports whether this CDM can initialize the given
	// key system (the engine tries systems in configured preference order).
	SupportsKeySystem(keySystem string) bool
	// CreateSession returns a session id and the initial `message` bytes
	// (the license request body) once GenerateRequest-equivalent completes.
	CreateSession(ctx context.Context, ksi KeySystemInfo, persistent bool) (sessionID string, message []byte, err error)
	// Update feeds a license-server response into the session.
	Update(ctx context.Context, sessionID string, license []byte) error
	// Close releases a session.
	Close(ctx context.Context, sessionID string) error
	// KeyStatuses returns the CDM's current aggregated key-ID -> status map
	// for a session.
	KeyStatuses(sessionID string) map[string]KeyStatus
}

// Config is the drm config surface.
type Config struct {
	PreferredKeySystems     []string
	Servers                 map[string]string // keySystem -> license server URI
	ClearKeys               map[string][]byte // kid hex -> key bytes
	LicenseRequestTimeout   time.Duration
	DelayLicenseUntilPlayed bool
}

// Session tracks one CDM session's lifecycle.
type Session struct {
	ID          string
	KeySystem   string
	State       SessionState
	KeyStatuses map[string]KeyStatus
	Persistent  bool

	mu sync.Mutex
}

func (s *Session) transition(to SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = to
}

func (s *Session) snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// Engine owns every CDM session opened for the current load.
type Engine struct {
	cfg        Config
	cdm        CDM
	network    NetworkFunc
	clock      clock.Clock
	reqFilter  RequestFilter
	respFilter ResponseFilter

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewEngine(cfg Config, cdm CDM, network NetworkFunc, c clock.Clock) *Engine {
	if c == nil {
		c = clock.Real{}
	}
	return &Engine{cfg: cfg, cdm: cdm, network: network, clock: c, sessions: make(map[string]*Session)}
}

func (e *Engine) SetRequestFilter(f RequestFilter)   { e.reqFilter = f }
func (e *Engine) SetResponseFilter(f ResponseFilter) { e.respFilter = f }

// SelectKeySystem tries every key system advertised by the manifest's DRM
// infos, in configured preference order; the first to initialize wins.
func (e *Engine) SelectKeySystem(advertised []KeySystemInfo) (KeySystemInfo, error) {
	order := e.cfg.PreferredKeySystems
	for _, ks := range order {
		for _, a := range advertised {
			if a.KeySystem == ks && e.cdm.SupportsKeySystem(ks) {
				return a, nil
			}
		}
	}
	// Fall back to manifest order if no preference matched.
	for _, a := range advertised {
		if e.cdm.SupportsKeySystem(a.KeySystem) {
			return a, nil
		}
	}
	return KeySystemInfo{}, apperr.New(apperr.Critical, apperr.CategoryDRM, apperr.CodeKeyNotGranted, fmt.Errorf("no supported key system among %d advertised", len(advertised)), nil)
}

// OpenSession creates a CDM session for the given key-system info and
// begins the license flow: generating -> awaiting-license -> usable.
func (e *Engine) OpenSession(ctx context.Context, ksi KeySystemInfo) (*Session, error) {
	persistent := ksi.Persistent
	sid, message, err := e.cdm.CreateSession(ctx, ksi, persistent)
	if err != nil {
		return nil, apperr.New(apperr.Critical, apperr.CategoryDRM, apperr.CodeLicenseRequestFailed, err, nil)
	}
	if sid == "" {
		sid = uuid.NewString()
	}
	sess := &Session{ID: sid, KeySystem: ksi.KeySystem, State: StateGenerating, Persistent: persistent}
	e.mu.Lock()
	e.sessions[sid] = sess
	e.mu.Unlock()

	sess.transition(StateAwaitingLicense)

	licenseURI := ksi.LicenseServerURI
	if licenseURI == "" {
		licenseURI = e.cfg.Servers[ksi.KeySystem]
	}

	license, err := e.requestLicense(ctx, ksi.KeySystem, licenseURI, message)
	if err != nil {
		return sess, err
	}

	if err := e.cdm.Update(ctx, sid, license); err != nil {
		return sess, apperr.New(apperr.Critical, apperr.CategoryDRM, apperr.CodeLicenseResponseReject, err, nil)
	}
	sess.transition(StateUsable)
	sess.mu.Lock()
	sess.KeyStatuses = e.cdm.KeyStatuses(sid)
	sess.mu.Unlock()
	return sess, nil
}

// requestLicense performs the license HTTP exchange with timeout, one
// retry with back-off, then LICENSE_REQUEST_FAILED.
func (e *Engine) requestLicense(ctx context.Context, keySystem, uri string, message []byte) ([]byte, error) {
	req := &LicenseRequest{KeySystem: keySystem, Body: message, URI: uri}
	if e.reqFilter != nil {
		if err := e.reqFilter(req); err != nil {
			return nil, apperr.New(apperr.Critical, apperr.CategoryNetwork, apperr.CodeRequestFilterError, err, nil)
		}
	}

	timeout := e.cfg.LicenseRequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := e.network(cctx, req)
		cancel()
		if err == nil {
			if e.respFilter != nil {
				if ferr := e.respFilter(resp); ferr != nil {
					return nil, apperr.New(apperr.Critical, apperr.CategoryNetwork, apperr.CodeResponseFilterError, ferr, nil)
				}
			}
			return resp.Body, nil
		}
		lastErr = err
		if attempt == 0 {
			select {
			case <-e.clock.After(200 * time.Millisecond):
			case <-ctx.Done():
				return nil, apperr.New(apperr.Recoverable, apperr.CategoryDRM, apperr.CodeLicenseRequestFailed, ctx.Err(), nil)
			}
		}
	}
	return nil, apperr.New(apperr.Critical, apperr.CategoryDRM, apperr.CodeLicenseRequestFailed, lastErr, nil)
}

// KeyStatuses returns the aggregated keyId -> status map for a session.
func (e *Engine) KeyStatuses(sessionID string) map[string]KeyStatus {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.KeyStatuses
}

// RefreshKeyStatuses polls the CDM for the latest key-status map and applies
// the usable -> expired transition when appropriate.
func (e *Engine) RefreshKeyStatuses(sessionID string) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}
	statuses := e.cdm.KeyStatuses(sessionID)
	sess.mu.Lock()
	sess.KeyStatuses = statuses
	allExpired := len(statuses) > 0
	for _, st := range statuses {
		if st != KeyExpired {
			allExpired = false
			break
		}
	}
	if allExpired && sess.State == StateUsable {
		sess.State = StateExpired
	}
	sess.mu.Unlock()
}

// WaitForUsable blocks (bounded by timeout) until keyID becomes usable,
// or returns KEY_NOT_AVAILABLE. The streaming engine uses it to gate
// appends of encrypted segments.
func (e *Engine) WaitForUsable(ctx context.Context, sessionID, keyID string, timeout time.Duration) error {
	deadline := e.clock.Now().Add(timeout)
	for {
		e.RefreshKeyStatuses(sessionID)
		statuses := e.KeyStatuses(sessionID)
		if st, ok := statuses[keyID]; ok && st == KeyUsable {
			return nil
		}
		if e.clock.Now().After(deadline) {
			return apperr.New(apperr.Critical, apperr.CategoryDRM, apperr.CodeKeyNotAvailable, nil, map[string]any{"keyId": keyID})
		}
		select {
		case <-ctx.Done():
			return apperr.New(apperr.Recoverable, apperr.CategoryDRM, apperr.CodeKeyNotAvailable, ctx.Err(), nil)
		case <-e.clock.After(100 * time.Millisecond):
		}
	}
}

// Close transitions a session to closed and releases it from the CDM.
func (e *Engine) Close(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	sess.transition(StateClosed)
	return e.cdm.Close(ctx, sessionID)
}

// CloseAll tears down every open session, used on unload/destroy.
func (e *Engine) CloseAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Close(ctx, id)
	}
}
