package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nullifier/auth"
	"nullifier/config"
	"nullifier/node"
	"nullifier/oprf"
	"nullifier/pb"
	"nullifier/types"
)

var (
	th23    = types.Threshold{N: 3, T: 2}
	testKey = types.KeyID{0x0f, 0x02}
)

// newLocalFleet n 个进程内节点，已完成 epoch 0 的密钥生成
func newLocalFleet(t *testing.T, th types.Threshold) (*LocalDialer, *oprf.Dealing) {
	t.Helper()
	services, err := node.NewLocalServices(th.N, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, s := range services {
			s.Close()
		}
	})
	dealing, _, err := oprf.SplitSecret(th)
	require.NoError(t, err)
	for i, svc := range services {
		_, err := svc.KeyGen(context.Background(), &pb.KeyGenRequest{
			KeyId:     testKey.Bytes(),
			PartyId:   uint32(i),
			Threshold: uint32(th.T),
			Nodes:     uint32(th.N),
			Share:     oprf.EncodeScalar(dealing.Shares[i].Secret),
			PublicKey: dealing.PublicKey,
			Commits:   dealing.Commits,
		})
		require.NoError(t, err)
	}
	return NewLocalDialer(services), dealing
}

func initReq(id types.RequestID, ep types.Epoch, req *oprf.BlindedRequest) *pb.InitRequest {
	return &pb.InitRequest{
		RequestId:    id.Bytes(),
		KeyId:        testKey.Bytes(),
		Epoch:        uint64(ep),
		BlindedQuery: req.Bytes(),
		Module:       auth.ModuleNone,
		Auth:         testKey.Bytes(),
	}
}

func plainHTTP() config.TransportConfig {
	cfg := config.DefaultTransportConfig()
	cfg.Protocol = config.ProtocolHTTP
	return cfg
}

func TestHTTPClientRoundTrip(t *testing.T) {
	local, dealing := newLocalFleet(t, th23)
	svc := local.Client(0).Service()
	srv := httptest.NewServer(node.NewHandlerManager(svc, nil, nil).Handler())
	defer srv.Close()

	d, err := NewHTTPDialer(plainHTTP(), nil)
	require.NoError(t, err)
	defer d.Close()
	c, err := d.Dial(types.Node{ID: types.NodeID(srv.URL), PartyID: 0})
	require.NoError(t, err)
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, node.Version, h.Version)

	pk, err := c.PublicKey(ctx, testKey, 0)
	require.NoError(t, err)
	assert.Equal(t, dealing.PublicKey, pk.PublicKey)

	req, err := oprf.Blind([]byte("transport"))
	require.NoError(t, err)
	id := types.NewRequestID()
	ack, err := c.Init(ctx, initReq(id, 0, req))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ack.PartyId)

	resp, err := c.Finish(ctx, &pb.FinishRequest{RequestId: id.Bytes()})
	require.NoError(t, err)
	assert.Len(t, resp.Proof, oprf.ProofSize)

	_, err = c.Finish(ctx, &pb.FinishRequest{RequestId: id.Bytes()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnknownRequest))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, pb.CodeUnknownRequest, se.Code)
}

func TestHTTPClientErrorMapping(t *testing.T) {
	local, _ := newLocalFleet(t, th23)
	srv := httptest.NewServer(node.NewHandlerManager(local.Client(1).Service(), nil, nil).Handler())
	defer srv.Close()

	d, err := NewHTTPDialer(plainHTTP(), nil)
	require.NoError(t, err)
	c, err := d.Dial(types.Node{ID: types.NodeID(srv.URL), PartyID: 1})
	require.NoError(t, err)
	ctx := context.Background()
	req, err := oprf.Blind([]byte("q"))
	require.NoError(t, err)

	_, err = c.Init(ctx, initReq(types.NewRequestID(), 3, req))
	assert.True(t, errors.Is(err, types.ErrStaleEpoch), "%v", err)

	bad := initReq(types.NewRequestID(), 0, req)
	bad.Auth = []byte{0x01}
	_, err = c.Init(ctx, bad)
	assert.True(t, errors.Is(err, types.ErrUnauthorized), "%v", err)

	_, err = c.PublicKey(ctx, types.KeyID{0xaa}, 0)
	assert.True(t, errors.Is(err, types.ErrUnknownKey), "%v", err)

	err = c.ReshareAbort(ctx, &pb.ReshareAbortRequest{KeyId: []byte{1, 2}})
	assert.True(t, errors.Is(err, types.ErrInvalidParameters), "%v", err)
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d, err := NewHTTPDialer(plainHTTP(), nil)
	require.NoError(t, err)
	c, err := d.Dial(types.Node{ID: types.NodeID(url)})
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	assert.True(t, errors.Is(err, types.ErrNodeUnreachable), "%v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Health(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPClientNonProtoErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	d, err := NewHTTPDialer(plainHTTP(), nil)
	require.NoError(t, err)
	c, err := d.Dial(types.Node{ID: types.NodeID(srv.URL)})
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Equal(t, pb.CodeInternal, se.Code)
	assert.True(t, errors.Is(err, types.ErrNodeUnreachable))
}

func TestDialRejectsBadURL(t *testing.T) {
	d, err := NewHTTPDialer(plainHTTP(), nil)
	require.NoError(t, err)
	_, err = d.Dial(types.Node{ID: "not a url"})
	assert.True(t, errors.Is(err, types.ErrInvalidParameters))
}

func TestNewHTTPClientProtocols(t *testing.T) {
	cfg := config.DefaultTransportConfig()
	c, err := NewHTTPClient(cfg)
	require.NoError(t, err)
	_, ok := c.Transport.(*http3.Transport)
	assert.True(t, ok)
	assert.Equal(t, cfg.RequestTimeout, c.Timeout)

	cfg.Protocol = config.ProtocolHTTPS
	c, err = NewHTTPClient(cfg)
	require.NoError(t, err)
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)

	cfg.Protocol = "carrier-pigeon"
	_, err = NewHTTPClient(cfg)
	assert.Error(t, err)
}

func TestKindOf(t *testing.T) {
	cases := map[string]error{
		pb.CodeStaleEpoch:         types.ErrStaleEpoch,
		pb.CodeUnknownKey:         types.ErrUnknownKey,
		pb.CodeUnknownRequest:     types.ErrUnknownRequest,
		pb.CodeUnauthorized:       types.ErrUnauthorized,
		pb.CodeAlreadyInitialized: types.ErrAlreadyInitialized,
		pb.CodeReshareInProgress:  types.ErrReshareInProgress,
		pb.CodeReplayedRequest:    types.ErrReplayedRequest,
		pb.CodeBadRequest:         types.ErrInvalidParameters,
		pb.CodeOracleUnavailable:  types.ErrNodeUnreachable,
		pb.CodeInternal:           types.ErrNodeUnreachable,
	}
	for code, want := range cases {
		assert.Equal(t, want, KindOf(code), code)
	}
}

func TestLocalClientFaults(t *testing.T) {
	local, _ := newLocalFleet(t, th23)
	c := local.Client(2)
	ctx := context.Background()
	req, err := oprf.Blind([]byte("faults"))
	require.NoError(t, err)

	c.SetFault(Fault{Unreachable: true})
	_, err = c.Init(ctx, initReq(types.NewRequestID(), 0, req))
	assert.True(t, errors.Is(err, types.ErrNodeUnreachable))

	c.SetFault(Fault{Delay: time.Second})
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	_, err = c.Init(short, initReq(types.NewRequestID(), 0, req))
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	wrong := types.Epoch(7)
	c.SetFault(Fault{TamperProof: true, FinishEpoch: &wrong})
	id := types.NewRequestID()
	_, err = c.Init(ctx, initReq(id, 0, req))
	require.NoError(t, err)
	resp, err := c.Finish(ctx, &pb.FinishRequest{RequestId: id.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.Epoch)
	ev := &oprf.Evaluation{Evaluation: resp.Evaluation, PublicShare: resp.PublicShare, Proof: resp.Proof}
	assert.Error(t, oprf.VerifyEvaluation(req.Point(), ev))

	// 服务端错误与 HTTP 客户端一样映射为 StatusError
	c.ClearFault()
	_, err = c.Init(ctx, initReq(types.NewRequestID(), 9, req))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Status)
	assert.True(t, errors.Is(err, types.ErrStaleEpoch))

	assert.Equal(t, int64(4), c.InitCalls())
	assert.Equal(t, int64(1), c.FinishCalls())
	assert.Equal(t, int64(1), local.TotalFinishCalls())
}

func TestWaitHealthy(t *testing.T) {
	local, _ := newLocalFleet(t, th23)
	clients, err := DialAll(local, local.Nodes())
	require.NoError(t, err)

	local.Client(1).SetFault(Fault{Unreachable: true})
	err = WaitHealthy(context.Background(), clients, 60*time.Millisecond, 10*time.Millisecond, nil)
	assert.True(t, errors.Is(err, types.ErrTimeout), "%v", err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		local.Client(1).ClearFault()
	}()
	require.NoError(t, WaitHealthy(context.Background(), clients, 2*time.Second, 10*time.Millisecond, nil))
}

func TestPublicKeyFromServices(t *testing.T) {
	local, dealing := newLocalFleet(t, th23)
	clients, err := DialAll(local, local.Nodes())
	require.NoError(t, err)

	pk, err := PublicKeyFromServices(context.Background(), clients, testKey, 0, time.Second, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, types.PublicKey(dealing.PublicKey), pk)

	_, err = PublicKeyFromServices(context.Background(), clients, testKey, 4, time.Second, 10*time.Millisecond, nil)
	assert.True(t, errors.Is(err, types.ErrStaleEpoch), "%v", err)

	_, err = PublicKeyFromServices(context.Background(), clients, types.KeyID{0xee}, 0, 50*time.Millisecond, 10*time.Millisecond, nil)
	assert.True(t, errors.Is(err, types.ErrTimeout), "%v", err)
}
