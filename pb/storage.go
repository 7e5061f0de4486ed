// pb/storage.go
// 节点本地持久化记录

package pb

// ShareRecord 单个 (KeyID, Epoch) 的份额
type ShareRecord struct {
	KeyId     []byte
	Epoch     uint64
	PartyId   uint32
	Threshold uint32
	Nodes     uint32
	Secret    []byte
	PublicKey []byte
}

func (m *ShareRecord) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, m.Epoch)
	e.uint64(3, uint64(m.PartyId))
	e.uint64(4, uint64(m.Threshold))
	e.uint64(5, uint64(m.Nodes))
	e.bytes(6, m.Secret)
	e.bytes(7, m.PublicKey)
	return e.buf
}

func (m *ShareRecord) Unmarshal(b []byte) error {
	*m = ShareRecord{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint64(&m.Epoch)
		case 3:
			return f.intoUint32(&m.PartyId)
		case 4:
			return f.intoUint32(&m.Threshold)
		case 5:
			return f.intoUint32(&m.Nodes)
		case 6:
			return f.into(&m.Secret)
		case 7:
			return f.into(&m.PublicKey)
		}
		return nil
	})
}

// WindowRecord 持久化的 epoch 窗口
type WindowRecord struct {
	KeyId         []byte
	CurrentEpoch  uint64
	PreviousEpoch uint64
	HasPrevious   bool
}

func (m *WindowRecord) Marshal() []byte {
	var e encoder
	e.bytes(1, m.KeyId)
	e.uint64(2, m.CurrentEpoch)
	e.uint64(3, m.PreviousEpoch)
	e.bool(4, m.HasPrevious)
	return e.buf
}

func (m *WindowRecord) Unmarshal(b []byte) error {
	*m = WindowRecord{}
	return decode(b, func(f field) error {
		switch f.num {
		case 1:
			return f.into(&m.KeyId)
		case 2:
			return f.intoUint64(&m.CurrentEpoch)
		case 3:
			return f.intoUint64(&m.PreviousEpoch)
		case 4:
			return f.intoBool(&m.HasPrevious)
		}
		return nil
	})
}
