// oprf/group.go
// Edwards25519 群运算封装（基于 Kyber）

package oprf

import (
	"crypto/cipher"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// 域分离标签
const (
	hashToGroupDST = "nullifier-oprf-v1/hash-to-group"
	outputDST      = "nullifier-oprf-v1/output"
)

const (
	// PointSize 压缩点长度
	PointSize = 32
	// ScalarSize 标量长度（小端）
	ScalarSize = 32
	// ProofSize DLEQ 证明长度：C || R || VG || VH
	ProofSize = 2*ScalarSize + 2*PointSize
)

var (
	// ErrInvalidPoint 点编码非法
	ErrInvalidPoint = errors.New("invalid group element")
	// ErrInvalidScalar 标量编码非法
	ErrInvalidScalar = errors.New("invalid scalar")
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// Suite 返回使用的密码套件（Ed25519 + SHA256/Blake XOF）
func Suite() *edwards25519.SuiteEd25519 { return suite }

func randomStream() cipher.Stream { return suite.RandomStream() }

// RandomScalar 随机非零标量
func RandomScalar() kyber.Scalar {
	for {
		s := suite.Scalar().Pick(randomStream())
		if !s.Equal(suite.Scalar().Zero()) {
			return s
		}
	}
}

// HashToGroup 把任意消息映射为素数阶子群中的点
func HashToGroup(msg []byte) kyber.Point {
	xof := suite.XOF([]byte(hashToGroupDST))
	_, _ = xof.Write(msg)
	return suite.Point().Pick(xof)
}

// EncodePoint 32 字节压缩格式
func EncodePoint(p kyber.Point) []byte {
	b, _ := p.MarshalBinary()
	return b
}

// DecodePoint 解析压缩点，拒绝单位元
func DecodePoint(b []byte) (kyber.Point, error) {
	if len(b) != PointSize {
		return nil, errors.Wrapf(ErrInvalidPoint, "length %d", len(b))
	}
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(ErrInvalidPoint, err.Error())
	}
	if p.Equal(suite.Point().Null()) {
		return nil, errors.Wrap(ErrInvalidPoint, "identity element")
	}
	return p, nil
}

// EncodeScalar 32 字节小端
func EncodeScalar(s kyber.Scalar) []byte {
	b, _ := s.MarshalBinary()
	return b
}

// DecodeScalar 解析标量
func DecodeScalar(b []byte) (kyber.Scalar, error) {
	if len(b) != ScalarSize {
		return nil, errors.Wrapf(ErrInvalidScalar, "length %d", len(b))
	}
	s := suite.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(ErrInvalidScalar, err.Error())
	}
	return s, nil
}

// PublicFromSecret x*G
func PublicFromSecret(x kyber.Scalar) kyber.Point {
	return suite.Point().Mul(x, nil)
}

// outputHash H(dst || len(query) || query || point)
func outputHash(query []byte, point kyber.Point) []byte {
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte(outputDST))
	var l [8]byte
	n := uint64(len(query))
	for i := 0; i < 8; i++ {
		l[i] = byte(n >> (8 * i))
	}
	_, _ = h.Write(l[:])
	_, _ = h.Write(query)
	_, _ = h.Write(EncodePoint(point))
	return h.Sum(nil)
}
