// types/oprf.go
// OPRF 编排层的核心数据模型

package types

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NodeID 节点标识（节点服务的 base URL）
type NodeID string

// ========== KeyID ==========

// KeyID 一个逻辑 OPRF 密钥的标识（160 位，与链上注册合约的地址空间一致）
type KeyID common.Address

// ParseKeyID 解析 0x 开头的十六进制或十进制（U160）表示
func ParseKeyID(s string) (KeyID, error) {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return KeyID(common.HexToAddress(s)), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 160 {
		return KeyID{}, errors.Errorf("invalid key id %q", s)
	}
	return KeyID(common.BigToAddress(v)), nil
}

func (k KeyID) String() string { return common.Address(k).Hex() }

func (k KeyID) Bytes() []byte { return common.Address(k).Bytes() }

func (k KeyID) IsZero() bool { return k == KeyID{} }

// KeyIDFromBytes 从 20 字节还原 KeyID
func KeyIDFromBytes(b []byte) (KeyID, error) {
	if len(b) != common.AddressLength {
		return KeyID{}, errors.Errorf("key id must be %d bytes, got %d", common.AddressLength, len(b))
	}
	return KeyID(common.BytesToAddress(b)), nil
}

func (k KeyID) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *KeyID) UnmarshalText(b []byte) error {
	v, err := ParseKeyID(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ========== Epoch ==========

// Epoch 份额分发的代数；密钥生成产生 epoch 0，每次 reshare +1
type Epoch uint64

func (e Epoch) Next() Epoch { return e + 1 }

// ========== RequestID ==========

// RequestID 每次 OPRF 调用新生成，用于关联 init/finish，绝不复用
type RequestID uuid.UUID

func NewRequestID() RequestID { return RequestID(uuid.New()) }

func ParseRequestID(s string) (RequestID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RequestID{}, errors.Wrap(err, "invalid request id")
	}
	return RequestID(u), nil
}

func RequestIDFromBytes(b []byte) (RequestID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return RequestID{}, errors.Wrap(err, "invalid request id")
	}
	return RequestID(u), nil
}

func (r RequestID) String() string { return uuid.UUID(r).String() }

func (r RequestID) Bytes() []byte {
	b := uuid.UUID(r)
	return b[:]
}

// ========== 门限参数 ==========

// Threshold 部署固定的门限参数 {n, t}，1 <= t <= n
type Threshold struct {
	N int
	T int
}

func (p Threshold) Validate() error {
	if p.N < 1 || p.T < 1 || p.T > p.N {
		return errors.Wrapf(ErrInvalidParameters, "threshold t=%d n=%d", p.T, p.N)
	}
	return nil
}

// ========== 发送模式 ==========

// SendMode 节点扇出方式
type SendMode int

const (
	// SendParallel 并发发送，先到的 t 个 ack 生效
	SendParallel SendMode = iota
	// SendSequential 逐个发送，收够 t 个即停止
	SendSequential
)

func (m SendMode) String() string {
	switch m {
	case SendParallel:
		return "parallel"
	case SendSequential:
		return "sequential"
	default:
		return "unknown"
	}
}

func ParseSendMode(s string) (SendMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "parallel":
		return SendParallel, nil
	case "sequential":
		return SendSequential, nil
	default:
		return SendParallel, errors.Errorf("unknown send mode %q", s)
	}
}

// ========== 节点与响应 ==========

// Node 参与者节点；PartyID 为份额下标（0-based，等于节点列表中的位置）
type Node struct {
	ID      NodeID
	PartyID int
}

func (n Node) String() string { return fmt.Sprintf("%s#%d", n.ID, n.PartyID) }

// NodesFromURLs 按列表顺序分配 PartyID
func NodesFromURLs(urls []string) []Node {
	nodes := make([]Node, 0, len(urls))
	for i, u := range urls {
		nodes = append(nodes, Node{ID: NodeID(strings.TrimRight(u, "/")), PartyID: i})
	}
	return nodes
}

// PublicKey 序列化后的群公钥
type PublicKey []byte

func (pk PublicKey) String() string { return hex.EncodeToString(pk) }

// BlindedQuery 客户端盲化后的查询（序列化的群元素）
type BlindedQuery []byte

// PartialResponse 单个节点对 finish 的贡献
type PartialResponse struct {
	RequestID   RequestID
	Node        NodeID
	PartyID     int
	Epoch       Epoch  // 节点实际使用的 epoch
	Evaluation  []byte // x_i * B
	PublicShare []byte // x_i * G
	Proof       []byte // DLEQ(G, B; Y_i, Z_i)
}

// ResponseSet 按到达顺序收集的响应；Stragglers 为门限之后到达的，仅用于诊断
type ResponseSet struct {
	RequestID  RequestID
	Responses  []PartialResponse
	Stragglers []PartialResponse
}

func (s *ResponseSet) Len() int { return len(s.Responses) }

// VerifiedOutput 验证通过的 OPRF 结果
type VerifiedOutput struct {
	RequestID RequestID
	KeyID     KeyID
	Epoch     Epoch  // 节点实际使用的 epoch
	Output    []byte // 最终 OPRF 输出
	Point     []byte // 去盲后的 k * H(query)
	Parties   []int  // 参与合并的 PartyID（到达顺序）
}
