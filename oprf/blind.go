// oprf/blind.go
// 客户端盲化 / 去盲

package oprf

import (
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
)

// BlindedRequest 一次 OPRF 调用的客户端状态；盲化因子只保存在客户端
type BlindedRequest struct {
	query   []byte
	blind   kyber.Scalar
	blinded kyber.Point
}

// Blind B = r * H(query)
func Blind(query []byte) (*BlindedRequest, error) {
	if len(query) == 0 {
		return nil, errors.New("empty query")
	}
	r := RandomScalar()
	q := make([]byte, len(query))
	copy(q, query)
	return &BlindedRequest{
		query:   q,
		blind:   r,
		blinded: suite.Point().Mul(r, HashToGroup(query)),
	}, nil
}

// Bytes 发送给节点的盲化查询
func (b *BlindedRequest) Bytes() []byte { return EncodePoint(b.blinded) }

// Point 盲化查询的群元素
func (b *BlindedRequest) Point() kyber.Point { return b.blinded }

// Query 原始查询
func (b *BlindedRequest) Query() []byte { return b.query }

// Unblind r^-1 * Z
func (b *BlindedRequest) Unblind(z kyber.Point) kyber.Point {
	inv := suite.Scalar().Inv(b.blind)
	return suite.Point().Mul(inv, z)
}

// Finalize 去盲并计算最终输出
func (b *BlindedRequest) Finalize(z kyber.Point) (output []byte, point kyber.Point) {
	point = b.Unblind(z)
	return outputHash(b.query, point), point
}

// Evaluate 持有完整密钥时的本地计算：H(dst, query, k*H(query))，用于测试与核对
func Evaluate(secret kyber.Scalar, query []byte) []byte {
	p := suite.Point().Mul(secret, HashToGroup(query))
	return outputHash(query, p)
}
