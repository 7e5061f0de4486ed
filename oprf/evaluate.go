// oprf/evaluate.go
// 节点侧：用份额计算盲化查询并给出 DLEQ 证明

package oprf

import (
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof/dleq"
)

// KeyShare 节点持有的一份 Shamir 份额
type KeyShare struct {
	// Index 0-based 份额下标，求值点为 Index+1
	Index  int
	Secret kyber.Scalar
}

// Public Y_i = x_i * G
func (s *KeyShare) Public() kyber.Point { return PublicFromSecret(s.Secret) }

// Evaluation 节点对一次 finish 的输出
type Evaluation struct {
	Evaluation  []byte // Z_i = x_i * B
	PublicShare []byte // Y_i
	Proof       []byte // DLEQ(G, B; Y_i, Z_i)
}

// Evaluate 计算 Z_i 并证明 log_G(Y_i) == log_B(Z_i)
func (s *KeyShare) Evaluate(blinded []byte) (*Evaluation, error) {
	b, err := DecodePoint(blinded)
	if err != nil {
		return nil, errors.Wrap(err, "blinded query")
	}
	proof, xG, xH, err := dleq.NewDLEQProof(suite, suite.Point().Base(), b, s.Secret)
	if err != nil {
		return nil, errors.Wrap(err, "dleq proof")
	}
	return &Evaluation{
		Evaluation:  EncodePoint(xH),
		PublicShare: EncodePoint(xG),
		Proof:       encodeProof(proof),
	}, nil
}

func encodeProof(p *dleq.Proof) []byte {
	out := make([]byte, 0, ProofSize)
	out = append(out, EncodeScalar(p.C)...)
	out = append(out, EncodeScalar(p.R)...)
	out = append(out, EncodePoint(p.VG)...)
	out = append(out, EncodePoint(p.VH)...)
	return out
}

func decodeProof(b []byte) (*dleq.Proof, error) {
	if len(b) != ProofSize {
		return nil, errors.Errorf("proof length %d, want %d", len(b), ProofSize)
	}
	c, err := DecodeScalar(b[:ScalarSize])
	if err != nil {
		return nil, err
	}
	r, err := DecodeScalar(b[ScalarSize : 2*ScalarSize])
	if err != nil {
		return nil, err
	}
	vg := suite.Point()
	if err := vg.UnmarshalBinary(b[2*ScalarSize : 2*ScalarSize+PointSize]); err != nil {
		return nil, errors.Wrap(ErrInvalidPoint, err.Error())
	}
	vh := suite.Point()
	if err := vh.UnmarshalBinary(b[2*ScalarSize+PointSize:]); err != nil {
		return nil, errors.Wrap(ErrInvalidPoint, err.Error())
	}
	return &dleq.Proof{C: c, R: r, VG: vg, VH: vh}, nil
}

// VerifyEvaluation 校验单个节点的 DLEQ 证明
func VerifyEvaluation(blinded kyber.Point, ev *Evaluation) error {
	z, err := DecodePoint(ev.Evaluation)
	if err != nil {
		return errors.Wrap(err, "evaluation")
	}
	y, err := DecodePoint(ev.PublicShare)
	if err != nil {
		return errors.Wrap(err, "public share")
	}
	p, err := decodeProof(ev.Proof)
	if err != nil {
		return err
	}
	return p.Verify(suite, suite.Point().Base(), blinded, y, z)
}
