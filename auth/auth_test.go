package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"nullifier/types"
)

var keyA = types.KeyID{0xa}

type mockAuthenticator struct {
	mock.Mock
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, req *Request) (types.KeyID, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.KeyID), args.Error(1)
}

func TestRegistryDispatch(t *testing.T) {
	m := &mockAuthenticator{}
	reg := NewRegistry()
	reg.Register("custom", m)
	ctx := context.Background()

	req := &Request{KeyID: keyA, Module: "custom"}
	m.On("Authenticate", ctx, req).Return(keyA, nil).Once()
	got, err := reg.Authenticate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, keyA, got)

	// 授权的 key 与请求的不一致
	other := &Request{KeyID: types.KeyID{0xb}, Module: "custom"}
	m.On("Authenticate", ctx, other).Return(keyA, nil).Once()
	_, err = reg.Authenticate(ctx, other)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	failing := &Request{KeyID: keyA, Module: "custom", Payload: []byte("x")}
	m.On("Authenticate", ctx, failing).Return(types.KeyID{}, errors.New("boom")).Once()
	_, err = reg.Authenticate(ctx, failing)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	_, err = reg.Authenticate(ctx, &Request{KeyID: keyA, Module: "nope"})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	m.AssertExpectations(t)
}

func TestOracleHealthAndPerRequest(t *testing.T) {
	var hits atomic.Int32
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			if !healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			return
		}
		hits.Add(1)
		if r.URL.Path == "/deny" {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	o, err := NewOracle(ctx, srv.URL+"/verify", srv.Client(), nil)
	require.NoError(t, err)

	req := &Request{KeyID: keyA, Module: ModuleFace, Payload: keyA.Bytes()}
	got, err := o.Authenticate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, keyA, got)
	assert.Equal(t, int32(1), hits.Load())

	deny, err := NewOracle(ctx, srv.URL+"/deny", srv.Client(), nil)
	require.NoError(t, err)
	_, err = deny.Authenticate(ctx, req)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	healthy.Store(false)
	_, err = NewOracle(ctx, srv.URL, srv.Client(), nil)
	assert.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestOracleUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	o, err := NewOracle(context.Background(), srv.URL, srv.Client(), nil)
	require.NoError(t, err)
	srv.Close()

	reg := NewRegistry()
	reg.Register(ModuleFace, o)
	_, err = reg.Authenticate(context.Background(), &Request{KeyID: keyA, Module: ModuleFace, Payload: keyA.Bytes()})
	assert.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestJWTAuthenticator(t *testing.T) {
	j := NewJWTAuthenticator("s3cret", "registry", time.Minute)
	token, err := j.Generate("client-1", keyA)
	require.NoError(t, err)

	got, err := j.Authenticate(context.Background(), &Request{KeyID: keyA, Payload: []byte(token)})
	require.NoError(t, err)
	assert.Equal(t, keyA, got)

	forged := NewJWTAuthenticator("other", "registry", time.Minute)
	bad, err := forged.Generate("client-1", keyA)
	require.NoError(t, err)
	_, err = j.Authenticate(context.Background(), &Request{KeyID: keyA, Payload: []byte(bad)})
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	expired := NewJWTAuthenticator("s3cret", "registry", -time.Minute)
	old, err := expired.Generate("client-1", keyA)
	require.NoError(t, err)
	_, err = j.Authenticate(context.Background(), &Request{KeyID: keyA, Payload: []byte(old)})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestTrustPayloadRejectsGarbage(t *testing.T) {
	_, err := TrustPayload().Authenticate(context.Background(), &Request{Payload: []byte{1, 2}})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}
