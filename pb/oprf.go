// pb/oprf.go
// 客户端 <-> 节点：init / finish / health / public-key / 错误响应

package pb

// InitRequest POST /api/v1/init
type InitRequest struct {
	RequestId    []byte
	KeyId        []byte
	Epoch        uint64
	BlindedQuery []byte
	Module       string
	Auth         []byte
}

func (m *InitRequest) Marshal() []byte {
	var e encoder
	e.bytes(1, m.RequestId)
	e.bytes(2, m.KeyId)
	e.uint64(3, m.Epoch)
	e.bytes(4, m.BlindedQuery)
	e.string(5, m.Module)
	e.bytes(6, m.Auth)
	return e.buf
}

func (m *InitRequest) Unmarshal(b []byte) error {
	*m = InitRequest{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.RequestId)
		case 2:
			return f.into(&m.KeyId)
		case 3:
			return f.intoUint64(&m.Epoch)
		case 4:
			return f.into(&m.BlindedQuery)
		case 5:
			return f.intoString(&m.Module)
		case 6:
			return f.into(&m.Auth)
		}
		return nil
	})
}

// InitAck init 确认；Epoch 为节点实际采用的 epoch
type InitAck struct {
	RequestId []byte
	PartyId   uint32
	Epoch     uint64
}

func (m *InitAck) Marshal() []byte {
	var e encoder
	e.bytes(1, m.RequestId)
	e.uint64(2, uint64(m.PartyId))
	e.uint64(3, m.Epoch)
	return e.buf
}

func (m *InitAck) Unmarshal(b []byte) error {
	*m = InitAck{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.RequestId)
		case 2:
			return f.intoUint32(&m.PartyId)
		case 3:
			return f.intoUint64(&m.Epoch)
		}
		return nil
	})
}

// FinishRequest POST /api/v1/finish
type FinishRequest struct {
	RequestId []byte
}

func (m *FinishRequest) Marshal() []byte {
	var e encoder
	e.bytes(1, m.RequestId)
	return e.buf
}

func (m *FinishRequest) Unmarshal(b []byte) error {
	*m = FinishRequest{}
	return decode(b, func(f field) error {
		if f.num == 1 {
			return f.into(&m.RequestId)
		}
		return nil
	})
}

// PartialResponse finish 响应
type PartialResponse struct {
	RequestId   []byte
	PartyId     uint32
	Epoch       uint64
	Evaluation  []byte
	PublicShare []byte
	Proof       []byte
}

func (m *PartialResponse) Marshal() []byte {
	var e encoder
	e.bytes(1, m.RequestId)
	e.uint64(2, uint64(m.PartyId))
	e.uint64(3, m.Epoch)
	e.bytes(4, m.Evaluation)
	e.bytes(5, m.PublicShare)
	e.bytes(6, m.Proof)
	return e.buf
}

func (m *PartialResponse) Unmarshal(b []byte) error {
	*m = PartialResponse{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.RequestId)
		case 2:
			return f.intoUint32(&m.PartyId)
		case 3:
			return f.intoUint64(&m.Epoch)
		case 4:
			return f.into(&m.Evaluation)
		case 5:
			return f.into(&m.PublicShare)
		case 6:
			return f.into(&m.Proof)
		}
		return nil
	})
}

// HealthResponse GET /health
type HealthResponse struct {
	Status  string
	Version string
}

func (m *HealthResponse) Marshal() []byte {
	var e encoder
	e.string(1, m.Status)
	e.string(2, m.Version)
	return e.buf
}

func (m *HealthResponse) Unmarshal(b []byte) error {
	*m = HealthResponse{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.intoString(&m.Status)
		case 2:
			return f.intoString(&m.Version)
		}
		return nil
	})
}

// PublicKeyResponse GET /api/v1/public-key
type PublicKeyResponse struct {
	KeyId         []byte
	Epoch         uint64
	PublicKey     []byte
	CurrentEpoch  uint64
	PreviousEpoch uint64
	HasPrevious   bool
}

func (m *PublicKeyResponse) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, m.Epoch)
	e.bytes(3, m.PublicKey)
	e.uint64(4, m.CurrentEpoch)
	e.uint64(5, m.PreviousEpoch)
	e.bool(6, m.HasPrevious)
	return e.buf
}

func (m *PublicKeyResponse) Unmarshal(b []byte) error {
	*m = PublicKeyResponse{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint64(&m.Epoch)
		case 3:
			return f.into(&m.PublicKey)
		case 4:
			return f.intoUint64(&m.CurrentEpoch)
		case 5:
			return f.intoUint64(&m.PreviousEpoch)
		case 6:
			return f.intoBool(&m.HasPrevious)
		}
		return nil
	})
}

// ErrorResponse 所有非 2xx 响应的 body
type ErrorResponse struct {
	Code    string
	Message string
	ErrorId string
}

func (m *ErrorResponse) Marshal() []byte {
	var e encoder
	e.string(1, m.Code)
	e.string(2, m.Message)
	e.string(3, m.ErrorId)
	return e.buf
}

func (m *ErrorResponse) Unmarshal(b []byte) error {
	*m = ErrorResponse{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.intoString(&m.Code)
		case 2:
			return f.intoString(&m.Message)
		case 3:
			return f.intoString(&m.ErrorId)
		}
		return nil
	})
}

// 错误码
const (
	CodeStaleEpoch         = "stale_epoch"
	CodeUnknownKey         = "unknown_key"
	CodeUnknownRequest     = "unknown_request"
	CodeUnauthorized       = "unauthorized"
	CodeAlreadyInitialized = "already_initialized"
	CodeReshareInProgress  = "reshare_in_progress"
	CodeBadRequest         = "bad_request"
	CodeReplayedRequest    = "replayed_request"
	CodeRateLimited        = "rate_limited"
	CodeOracleUnavailable  = "oracle_unavailable"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal"
)
