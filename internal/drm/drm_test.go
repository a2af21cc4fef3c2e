package drm_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adaptivecore/internal/apperr"
	"adaptivecore/internal/clock"
	"adaptivecore/internal/drm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCDM struct {
	mu          sync.Mutex
	supported   map[string]bool
	nextSession string
	statuses    map[string]map[string]drm.KeyStatus
	updateErr   error
}

func newFakeCDM(supported ...string) *fakeCDM {
	m := make(map[string]bool)
	for _, s := range supported {
		m[s] = true
	}
	return &fakeCDM{supported: m, statuses: make(map[string]map[string]drm.KeyStatus)}
}

func (f *fakeCDM) SupportsKeySystem(ks string) bool { return f.supported[ks] }

func (f *fakeCDM) CreateSession(ctx context.Context, ksi drm.KeySystemInfo, persistent bool) (string, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSession
	if id == "" {
		id = "sess-1"
	}
	f.statuses[id] = map[string]drm.KeyStatus{}
	return id, []byte("request"), nil
}

func (f *fakeCDM) Update(ctx context.Context, sessionID string, license []byte) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sessionID] = map[string]drm.KeyStatus{"kid1": drm.KeyUsable}
	return nil
}

func (f *fakeCDM) Close(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.statuses, sessionID)
	return nil
}

func (f *fakeCDM) KeyStatuses(sessionID string) map[string]drm.KeyStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[sessionID]
}

func okNetwork(ctx context.Context, req *drm.LicenseRequest) (*drm.LicenseResponse, error) {
	return &drm.LicenseResponse{Body: []byte("license")}, nil
}

func TestSelectKeySystemPicksPreferredOrder(t *testing.T) {
	cdm := newFakeCDM("com.widevine.alpha", "com.microsoft.playready")
	e := drm.NewEngine(drm.Config{PreferredKeySystems: []string{"com.microsoft.playready", "com.widevine.alpha"}}, cdm, okNetwork, clock.Real{})

	advertised := []drm.KeySystemInfo{
		{KeySystem: "com.widevine.alpha", LicenseServerURI: "https://w"},
		{KeySystem: "com.microsoft.playready", LicenseServerURI: "https://p"},
	}
	got, err := e.SelectKeySystem(advertised)
	require.NoError(t, err)
	assert.Equal(t, "com.microsoft.playready", got.KeySystem)
}

func TestSelectKeySystemNoSupportedSignalsError(t *testing.T) {
	cdm := newFakeCDM("com.widevine.alpha")
	e := drm.NewEngine(drm.Config{PreferredKeySystems: []string{"com.microsoft.playready"}}, cdm, okNetwork, clock.Real{})

	_, err := e.SelectKeySystem([]drm.KeySystemInfo{{KeySystem: "com.apple.fps"}})
	assert.Error(t, err)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.CodeKeyNotGranted, ae.Code)
}

func TestOpenSessionReachesUsableOnSuccess(t *testing.T) {
	cdm := newFakeCDM("com.widevine.alpha")
	e := drm.NewEngine(drm.Config{LicenseRequestTimeout: time.Second}, cdm, okNetwork, clock.Real{})

	sess, err := e.OpenSession(context.Background(), drm.KeySystemInfo{KeySystem: "com.widevine.alpha", LicenseServerURI: "https://ls"})
	require.NoError(t, err)
	assert.Equal(t, drm.StateUsable, sess.State)
	assert.Equal(t, drm.KeyUsable, e.KeyStatuses(sess.ID)["kid1"])
}

func TestLicenseRequestRetriesOnceThenFails(t *testing.T) {
	cdm := newFakeCDM("com.widevine.alpha")
	var calls int
	failing := func(ctx context.Context, req *drm.LicenseRequest) (*drm.LicenseResponse, error) {
		calls++
		return nil, errors.New("network down")
	}
	e := drm.NewEngine(drm.Config{LicenseRequestTimeout: 10 * time.Millisecond}, cdm, failing, clock.Real{})

	_, err := e.OpenSession(context.Background(), drm.KeySystemInfo{KeySystem: "com.widevine.alpha"})
	require.Error(t, err)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.CodeLicenseRequestFailed, ae.Code)
	assert.Equal(t, 2, calls, "one original attempt plus one retry")
}

func TestRequestFilterCanRejectRequest(t *testing.T) {
	cdm := newFakeCDM("com.widevine.alpha")
	e := drm.NewEngine(drm.Config{}, cdm, okNetwork, clock.Real{})
	e.SetRequestFilter(func(r *drm.LicenseRequest) error { return errors.New("blocked by app") })

	_, err := e.OpenSession(context.Background(), drm.KeySystemInfo{KeySystem: "com.widevine.alpha"})
	require.Error(t, err)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, apperr.CodeRequestFilterError, ae.Code)
}

func TestCloseRemovesSession(t *testing.T) {
	cdm := newFakeCDM("com.widevine.alpha")
	e := drm.NewEngine(drm.Config{}, cdm, okNetwork, clock.Real{})
	sess, err := e.OpenSession(context.Background(), drm.KeySystemInfo{KeySystem: "com.widevine.alpha"})
	require.NoError(t, err)

	require.NoError(t, e.Close(context.Background(), sess.ID))
	assert.Nil(t, e.KeyStatuses(sess.ID))
}

func TestWaitForUsableTimesOutWithKeyNotAvailable(t *testing.T) {
	cdm := newFakeCDM("com.widevine.alpha")
	cdm.nextSession = "sess-pending"
	cdm.statuses["sess-pending"] = map[string]drm.KeyStatus{"kid1": drm.KeyStatusPending}
	fake := clock.NewFake(time.Unix(0, 0))
	e := drm.NewEngine(drm.Config{}, cdm, okNetwork, fake)

	errCh := make(chan error, 1)
	go func() { errCh <- e.WaitForUsable(context.Background(), "sess-pending", "kid1", time.Second) }()

	for {
		select {
		case err := <-errCh:
			require.Error(t, err)
			var ae *apperr.Error
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, apperr.CodeKeyNotAvailable, ae.Code)
			return
		default:
			fake.Advance(200 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}
