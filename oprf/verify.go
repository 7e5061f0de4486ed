// oprf/verify.go
// Proof Verifier：校验门限响应集合并合并出最终输出

package oprf

import (
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"

	"nullifier/types"
)

// VerifyInput 一次验证所需的全部输入
type VerifyInput struct {
	KeyID     types.KeyID
	Set       types.ResponseSet
	PublicKey types.PublicKey
	Request   *BlindedRequest
	Threshold types.Threshold
	// SkipProofs 压测模式：跳过 DLEQ 与公钥一致性检查，只合并
	SkipProofs bool
}

// ThresholdVerifier 默认实现
type ThresholdVerifier struct{}

func NewVerifier() *ThresholdVerifier { return &ThresholdVerifier{} }

// Verify 任一校验失败都返回 ErrProofInvalid
func (v *ThresholdVerifier) Verify(in VerifyInput) (*types.VerifiedOutput, error) {
	if in.Request == nil {
		return nil, errors.Wrap(types.ErrInvalidParameters, "missing blinded request")
	}
	th := in.Threshold
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if len(in.Set.Responses) < th.T {
		return nil, errors.Wrapf(types.ErrQuorumNotReached, "%d responses for threshold %d", len(in.Set.Responses), th.T)
	}

	evals := make([]*share.PubShare, 0, len(in.Set.Responses))
	publics := make([]*share.PubShare, 0, len(in.Set.Responses))
	parties := make([]int, 0, len(in.Set.Responses))
	for _, r := range in.Set.Responses {
		if r.PartyID < 0 || r.PartyID >= th.N {
			return nil, invalid(r, "party id out of range")
		}
		z, err := DecodePoint(r.Evaluation)
		if err != nil {
			return nil, invalid(r, err.Error())
		}
		if !in.SkipProofs {
			ev := &Evaluation{Evaluation: r.Evaluation, PublicShare: r.PublicShare, Proof: r.Proof}
			if err := VerifyEvaluation(in.Request.Point(), ev); err != nil {
				return nil, invalid(r, err.Error())
			}
			y, _ := DecodePoint(r.PublicShare)
			publics = append(publics, &share.PubShare{I: r.PartyID, V: y})
		}
		evals = append(evals, &share.PubShare{I: r.PartyID, V: z})
		parties = append(parties, r.PartyID)
	}

	if !in.SkipProofs {
		pk, err := DecodePoint(in.PublicKey)
		if err != nil {
			return nil, errors.Wrap(types.ErrProofInvalid, "public key: "+err.Error())
		}
		got, err := share.RecoverCommit(suite, publics, th.T, th.N)
		if err != nil {
			return nil, errors.Wrap(types.ErrProofInvalid, err.Error())
		}
		if !got.Equal(pk) {
			return nil, errors.Wrapf(types.ErrProofInvalid, "request %s: public shares do not interpolate to key %s", in.Set.RequestID, in.KeyID)
		}
	}

	z, err := share.RecoverCommit(suite, evals, th.T, th.N)
	if err != nil {
		return nil, errors.Wrap(types.ErrProofInvalid, err.Error())
	}
	out, point := in.Request.Finalize(z)

	var ep types.Epoch
	if len(in.Set.Responses) > 0 {
		ep = in.Set.Responses[0].Epoch
	}
	return &types.VerifiedOutput{
		RequestID: in.Set.RequestID,
		KeyID:     in.KeyID,
		Epoch:     ep,
		Output:    out,
		Point:     EncodePoint(point),
		Parties:   parties,
	}, nil
}

func invalid(r types.PartialResponse, reason string) error {
	return errors.Wrapf(types.ErrProofInvalid, "node %s (party %d): %s", r.Node, r.PartyID, reason)
}

// CombinePublic 由 t 个公开份额恢复群公钥（用于 reshare 后核对）
func CombinePublic(shares map[int]kyber.Point, th types.Threshold) (kyber.Point, error) {
	list := make([]*share.PubShare, 0, len(shares))
	for i, p := range shares {
		list = append(list, &share.PubShare{I: i, V: p})
	}
	return share.RecoverCommit(suite, list, th.T, th.N)
}
