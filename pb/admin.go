// pb/admin.go
// 注册中心 -> 节点：密钥生成与重分享

package pb

// KeyGenRequest POST /admin/keygen
type KeyGenRequest struct {
	KeyId     []byte
	PartyId   uint32
	Threshold uint32
	Nodes     uint32
	Share     []byte
	PublicKey []byte
	Commits   [][]byte
}

func (m *KeyGenRequest) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, uint64(m.PartyId))
	e.uint64(3, uint64(m.Threshold))
	e.uint64(4, uint64(m.Nodes))
	e.bytes(5, m.Share)
	e.bytes(6, m.PublicKey)
	e.repeatedBytes(7, m.Commits)
	return e.buf
}

func (m *KeyGenRequest) Unmarshal(b []byte) error {
	*m = KeyGenRequest{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint32(&m.PartyId)
		case 3:
			return f.intoUint32(&m.Threshold)
		case 4:
			return f.intoUint32(&m.Nodes)
		case 5:
			return f.into(&m.Share)
		case 6:
			return f.into(&m.PublicKey)
		case 7:
			return f.intoRepeated(&m.Commits)
		}
		return nil
	})
}

// KeyGenResponse 密钥生成确认
type KeyGenResponse struct {
	KeyId []byte
	Epoch uint64
}

func (m *KeyGenResponse) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, m.Epoch)
	return e.buf
}

func (m *KeyGenResponse) Unmarshal(b []byte) error {
	*m = KeyGenResponse{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint64(&m.Epoch)
		}
		return nil
	})
}

// ReshareDealRequest POST /admin/reshare/deal；Epoch 为 dealer 当前 epoch
type ReshareDealRequest struct {
	KeyId     []byte
	Epoch     uint64
	Threshold uint32
	Nodes     uint32
}

func (m *ReshareDealRequest) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, m.Epoch)
	e.uint64(3, uint64(m.Threshold))
	e.uint64(4, uint64(m.Nodes))
	return e.buf
}

func (m *ReshareDealRequest) Unmarshal(b []byte) error {
	*m = ReshareDealRequest{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint64(&m.Epoch)
		case 3:
			return f.intoUint32(&m.Threshold)
		case 4:
			return f.intoUint32(&m.Nodes)
		}
		return nil
	})
}

// ReshareDeal dealer 的输出：SubShares[j] 发往新委员会第 j 个成员
// Generation 为该节点本次 reshare 槽位的 fencing token，commit/abort 时原样带回
type ReshareDeal struct {
	KeyId      []byte
	Epoch      uint64
	Dealer     uint32
	Commits    [][]byte
	SubShares  [][]byte
	Generation uint64
}

func (m *ReshareDeal) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, m.Epoch)
	e.uint64(3, uint64(m.Dealer))
	e.repeatedBytes(4, m.Commits)
	e.repeatedBytes(5, m.SubShares)
	e.uint64(6, m.Generation)
	return e.buf
}

func (m *ReshareDeal) Unmarshal(b []byte) error {
	*m = ReshareDeal{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint64(&m.Epoch)
		case 3:
			return f.intoUint32(&m.Dealer)
		case 4:
			return f.intoRepeated(&m.Commits)
		case 5:
			return f.intoRepeated(&m.SubShares)
		case 6:
			return f.intoUint64(&m.Generation)
		}
		return nil
	})
}

// DealShare 发给单个接收者的一份子份额
type DealShare struct {
	Dealer   uint32
	Commits  [][]byte
	SubShare []byte
}

func (m *DealShare) Marshal() []byte {
	var e encoder
	e.uint64(1, uint64(m.Dealer))
	e.repeatedBytes(2, m.Commits)
	e.bytes(3, m.SubShare)
	return e.buf
}

func (m *DealShare) Unmarshal(b []byte) error {
	*m = DealShare{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.intoUint32(&m.Dealer)
		case 2:
			return f.intoRepeated(&m.Commits)
		case 3:
			return f.into(&m.SubShare)
		}
		return nil
	})
}

// ReshareCommitRequest POST /admin/reshare/commit；Epoch 为目标 epoch。
// Generation 为该节点 deal 时返回的值，0 表示节点没有参与 deal、在 commit 时才占用槽位
type ReshareCommitRequest struct {
	KeyId      []byte
	Epoch      uint64
	Deals      []*DealShare
	Generation uint64
}

func (m *ReshareCommitRequest) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, m.Epoch)
	for _, d := range m.Deals {
		e.message(3, d)
	}
	e.uint64(4, m.Generation)
	return e.buf
}

func (m *ReshareCommitRequest) Unmarshal(b []byte) error {
	*m = ReshareCommitRequest{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint64(&m.Epoch)
		case 3:
			if err := f.wantBytes(); err != nil {
				return err
			}
			d := new(DealShare)
			if err := d.Unmarshal(f.bytes); err != nil {
				return err
			}
			m.Deals = append(m.Deals, d)
		case 4:
			return f.intoUint64(&m.Generation)
		}
		return nil
	})
}

// ReshareCommitResponse 新份额对应的公开份额
type ReshareCommitResponse struct {
	KeyId       []byte
	Epoch       uint64
	PublicShare []byte
}

func (m *ReshareCommitResponse) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, m.Epoch)
	e.bytes(3, m.PublicShare)
	return e.buf
}

func (m *ReshareCommitResponse) Unmarshal(b []byte) error {
	*m = ReshareCommitResponse{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint64(&m.Epoch)
		case 3:
			return f.into(&m.PublicShare)
		}
		return nil
	})
}

// ReshareAbortRequest POST /admin/reshare/abort；只释放 Generation 对应的槽位
type ReshareAbortRequest struct {
	KeyId      []byte
	Epoch      uint64
	Generation uint64
}

func (m *ReshareAbortRequest) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, m.Epoch)
	e.uint64(3, m.Generation)
	return e.buf
}

func (m *ReshareAbortRequest) Unmarshal(b []byte) error {
	*m = ReshareAbortRequest{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint64(&m.Epoch)
		case 3:
			return f.intoUint64(&m.Generation)
		}
		return nil
	})
}
