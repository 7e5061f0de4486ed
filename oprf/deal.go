// oprf/deal.go
// 密钥分发与无可信中心的重分享（Feldman 承诺校验）

package oprf

import (
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"

	"nullifier/types"
)

var (
	// ErrBadSubShare 子份额与发送方承诺不一致
	ErrBadSubShare = errors.New("sub-share does not match dealer commitment")
	// ErrDealerKeyMismatch 发送方承诺不能恢复出群公钥
	ErrDealerKeyMismatch = errors.New("dealer commitments do not interpolate to group key")
)

// Dealing 一次分发：每个接收者一份，附 Feldman 承诺
type Dealing struct {
	Shares  []*KeyShare
	Commits [][]byte
	// PublicKey 常数项承诺，即群公钥
	PublicKey []byte
}

// SplitSecret 可信中心生成随机密钥并切分（仅用于开发环境的密钥生成）
func SplitSecret(th types.Threshold) (*Dealing, kyber.Scalar, error) {
	if err := th.Validate(); err != nil {
		return nil, nil, err
	}
	secret := RandomScalar()
	return deal(secret, th), secret, nil
}

func deal(secret kyber.Scalar, th types.Threshold) *Dealing {
	poly := share.NewPriPoly(suite, th.T, secret, randomStream())
	pub := poly.Commit(nil)
	_, commits := pub.Info()

	d := &Dealing{PublicKey: EncodePoint(pub.Commit())}
	for _, c := range commits {
		d.Commits = append(d.Commits, EncodePoint(c))
	}
	for _, s := range poly.Shares(th.N) {
		d.Shares = append(d.Shares, &KeyShare{Index: s.I, Secret: s.V})
	}
	return d
}

// Reshare 旧份额持有者对自己的份额再次切分，发给新委员会的每个成员
func (s *KeyShare) Reshare(next types.Threshold) (*Dealing, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return deal(s.Secret, next), nil
}

// VerifyShare 用 Feldman 承诺校验收到的份额
func VerifyShare(ks *KeyShare, commits [][]byte) error {
	pub, err := decodeCommits(commits)
	if err != nil {
		return err
	}
	if !pub.Check(&share.PriShare{I: ks.Index, V: ks.Secret}) {
		return ErrBadSubShare
	}
	return nil
}

// SubShare 来自某个旧份额持有者的一份子份额
type SubShare struct {
	Dealer  int // 发送方在旧委员会中的下标
	Commits [][]byte
	Value   []byte
}

// CombineSubShares 接收方合并 >= t_old 个子份额得到新份额
// 所有接收方必须使用同一组 dealer，否则新份额不在同一多项式上
func CombineSubShares(index int, subs []SubShare, prev types.Threshold, groupKey []byte) (*KeyShare, error) {
	if err := prev.Validate(); err != nil {
		return nil, err
	}
	if len(subs) < prev.T {
		return nil, errors.Errorf("need %d dealers, got %d", prev.T, len(subs))
	}
	pk, err := DecodePoint(groupKey)
	if err != nil {
		return nil, errors.Wrap(err, "group key")
	}

	dealerPublics := make([]*share.PubShare, 0, len(subs))
	values := make([]*share.PriShare, 0, len(subs))
	seen := make(map[int]struct{}, len(subs))
	for _, sub := range subs {
		if sub.Dealer < 0 || sub.Dealer >= prev.N {
			return nil, errors.Errorf("dealer %d out of range", sub.Dealer)
		}
		if _, dup := seen[sub.Dealer]; dup {
			return nil, errors.Errorf("duplicate dealer %d", sub.Dealer)
		}
		seen[sub.Dealer] = struct{}{}

		v, err := DecodeScalar(sub.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "dealer %d", sub.Dealer)
		}
		pub, err := decodeCommits(sub.Commits)
		if err != nil {
			return nil, errors.Wrapf(err, "dealer %d", sub.Dealer)
		}
		if !pub.Check(&share.PriShare{I: index, V: v}) {
			return nil, errors.Wrapf(ErrBadSubShare, "dealer %d", sub.Dealer)
		}
		dealerPublics = append(dealerPublics, &share.PubShare{I: sub.Dealer, V: pub.Commit()})
		values = append(values, &share.PriShare{I: sub.Dealer, V: v})
	}

	recovered, err := share.RecoverCommit(suite, dealerPublics, prev.T, prev.N)
	if err != nil {
		return nil, errors.Wrap(err, "recover dealer commitments")
	}
	if !recovered.Equal(pk) {
		return nil, ErrDealerKeyMismatch
	}

	x, err := share.RecoverSecret(suite, values, prev.T, prev.N)
	if err != nil {
		return nil, errors.Wrap(err, "combine sub-shares")
	}
	return &KeyShare{Index: index, Secret: x}, nil
}

// ExpectedPublicShares 只用 dealer 的承诺推出每个接收者合并后应得的公开份额（PartyID -> 点）。
// dealers 为 dealer PartyID -> 承诺；承诺恢复不出 groupKey 时返回 ErrDealerKeyMismatch，
// 此时任何节点都不应提交
func ExpectedPublicShares(dealers map[int][][]byte, prev, next types.Threshold, groupKey []byte) (map[int]kyber.Point, error) {
	if err := prev.Validate(); err != nil {
		return nil, err
	}
	if len(dealers) < prev.T {
		return nil, errors.Errorf("need %d dealers, got %d", prev.T, len(dealers))
	}
	pk, err := DecodePoint(groupKey)
	if err != nil {
		return nil, errors.Wrap(err, "group key")
	}
	polys := make(map[int]*share.PubPoly, len(dealers))
	constants := make([]*share.PubShare, 0, len(dealers))
	for dealer, commits := range dealers {
		if dealer < 0 || dealer >= prev.N {
			return nil, errors.Errorf("dealer %d out of range", dealer)
		}
		pub, err := decodeCommits(commits)
		if err != nil {
			return nil, errors.Wrapf(err, "dealer %d", dealer)
		}
		polys[dealer] = pub
		constants = append(constants, &share.PubShare{I: dealer, V: pub.Commit()})
	}
	recovered, err := share.RecoverCommit(suite, constants, prev.T, prev.N)
	if err != nil {
		return nil, errors.Wrap(err, "recover dealer commitments")
	}
	if !recovered.Equal(pk) {
		return nil, ErrDealerKeyMismatch
	}

	out := make(map[int]kyber.Point, next.N)
	for j := 0; j < next.N; j++ {
		evals := make([]*share.PubShare, 0, len(polys))
		for dealer, pub := range polys {
			evals = append(evals, &share.PubShare{I: dealer, V: pub.Eval(j).V})
		}
		p, err := share.RecoverCommit(suite, evals, prev.T, prev.N)
		if err != nil {
			return nil, errors.Wrapf(err, "public share of party %d", j)
		}
		out[j] = p
	}
	return out, nil
}

func decodeCommits(commits [][]byte) (*share.PubPoly, error) {
	if len(commits) == 0 {
		return nil, errors.New("empty commitments")
	}
	points := make([]kyber.Point, 0, len(commits))
	for i, c := range commits {
		p, err := DecodePoint(c)
		if err != nil {
			return nil, errors.Wrapf(err, "commit %d", i)
		}
		points = append(points, p)
	}
	return share.NewPubPoly(suite, nil, points), nil
}
