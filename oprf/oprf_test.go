package oprf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nullifier/types"
)

var th23 = types.Threshold{N: 3, T: 2}

func respond(t *testing.T, req *BlindedRequest, shares []*KeyShare, parties ...int) types.ResponseSet {
	t.Helper()
	set := types.ResponseSet{RequestID: types.NewRequestID()}
	for _, p := range parties {
		ev, err := shares[p].Evaluate(req.Bytes())
		require.NoError(t, err)
		set.Responses = append(set.Responses, types.PartialResponse{
			RequestID:   set.RequestID,
			Node:        types.NodeID("node"),
			PartyID:     p,
			Evaluation:  ev.Evaluation,
			PublicShare: ev.PublicShare,
			Proof:       ev.Proof,
		})
	}
	return set
}

func TestThresholdEvaluationMatchesFullKey(t *testing.T) {
	dealing, secret, err := SplitSecret(th23)
	require.NoError(t, err)
	query := []byte("nullifier query")
	want := Evaluate(secret, query)

	for _, parties := range [][]int{{0, 1}, {1, 2}, {2, 0}} {
		req, err := Blind(query)
		require.NoError(t, err)
		out, err := NewVerifier().Verify(VerifyInput{
			Set:       respond(t, req, dealing.Shares, parties...),
			PublicKey: dealing.PublicKey,
			Request:   req,
			Threshold: th23,
		})
		require.NoError(t, err, "parties %v", parties)
		assert.Equal(t, want, out.Output)
		assert.Equal(t, parties, out.Parties)
	}
}

func TestBlindingHidesQuery(t *testing.T) {
	a, err := Blind([]byte("q"))
	require.NoError(t, err)
	b, err := Blind([]byte("q"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Bytes(), b.Bytes())

	_, err = Blind(nil)
	assert.Error(t, err)
}

func TestForgedEvaluationRejected(t *testing.T) {
	dealing, _, err := SplitSecret(th23)
	require.NoError(t, err)
	req, err := Blind([]byte("q"))
	require.NoError(t, err)

	set := respond(t, req, dealing.Shares, 0, 1)
	other, err := Blind([]byte("other"))
	require.NoError(t, err)
	forged, err := dealing.Shares[1].Evaluate(other.Bytes())
	require.NoError(t, err)
	set.Responses[1].Evaluation = forged.Evaluation

	_, err = NewVerifier().Verify(VerifyInput{Set: set, PublicKey: dealing.PublicKey, Request: req, Threshold: th23})
	assert.ErrorIs(t, err, types.ErrProofInvalid)
}

func TestWrongPublicKeyRejected(t *testing.T) {
	dealing, _, err := SplitSecret(th23)
	require.NoError(t, err)
	otherDealing, _, err := SplitSecret(th23)
	require.NoError(t, err)
	req, err := Blind([]byte("q"))
	require.NoError(t, err)

	_, err = NewVerifier().Verify(VerifyInput{
		Set:       respond(t, req, dealing.Shares, 0, 2),
		PublicKey: otherDealing.PublicKey,
		Request:   req,
		Threshold: th23,
	})
	assert.ErrorIs(t, err, types.ErrProofInvalid)
}

func TestSkipProofsOnlyCombines(t *testing.T) {
	dealing, secret, err := SplitSecret(th23)
	require.NoError(t, err)
	req, err := Blind([]byte("stress"))
	require.NoError(t, err)

	set := respond(t, req, dealing.Shares, 0, 1)
	for i := range set.Responses {
		set.Responses[i].Proof = nil
	}
	out, err := NewVerifier().Verify(VerifyInput{Set: set, Request: req, Threshold: th23, SkipProofs: true})
	require.NoError(t, err)
	assert.Equal(t, Evaluate(secret, []byte("stress")), out.Output)
}

func reshareAll(t *testing.T, old []*KeyShare, dealers []int, groupKey []byte) []*KeyShare {
	t.Helper()
	deals := make(map[int]*Dealing)
	for _, d := range dealers {
		dealing, err := old[d].Reshare(th23)
		require.NoError(t, err)
		deals[d] = dealing
	}
	next := make([]*KeyShare, th23.N)
	for j := 0; j < th23.N; j++ {
		var subs []SubShare
		for _, d := range dealers {
			subs = append(subs, SubShare{
				Dealer:  d,
				Commits: deals[d].Commits,
				Value:   EncodeScalar(deals[d].Shares[j].Secret),
			})
		}
		ks, err := CombineSubShares(j, subs, th23, groupKey)
		require.NoError(t, err)
		next[j] = ks
	}
	return next
}

func TestResharePreservesKey(t *testing.T) {
	dealing, secret, err := SplitSecret(th23)
	require.NoError(t, err)
	query := []byte("rotate me")
	want := Evaluate(secret, query)

	epoch1 := reshareAll(t, dealing.Shares, []int{0, 2}, dealing.PublicKey)
	epoch2 := reshareAll(t, epoch1, []int{1, 2}, dealing.PublicKey)

	for _, shares := range [][]*KeyShare{epoch1, epoch2} {
		assert.NotEqual(t, EncodeScalar(dealing.Shares[0].Secret), EncodeScalar(shares[0].Secret))
		req, err := Blind(query)
		require.NoError(t, err)
		out, err := NewVerifier().Verify(VerifyInput{
			Set:       respond(t, req, shares, 1, 0),
			PublicKey: dealing.PublicKey,
			Request:   req,
			Threshold: th23,
		})
		require.NoError(t, err)
		assert.Equal(t, want, out.Output)
	}
}

func TestTamperedSubShareRejected(t *testing.T) {
	dealing, _, err := SplitSecret(th23)
	require.NoError(t, err)
	d0, err := dealing.Shares[0].Reshare(th23)
	require.NoError(t, err)
	d1, err := dealing.Shares[1].Reshare(th23)
	require.NoError(t, err)

	subs := []SubShare{
		{Dealer: 0, Commits: d0.Commits, Value: EncodeScalar(d0.Shares[2].Secret)},
		// 发给 2 号的子份额被换成了发给 1 号的
		{Dealer: 1, Commits: d1.Commits, Value: EncodeScalar(d1.Shares[1].Secret)},
	}
	_, err = CombineSubShares(2, subs, th23, dealing.PublicKey)
	assert.ErrorIs(t, err, ErrBadSubShare)

	_, err = CombineSubShares(2, subs[:1], th23, dealing.PublicKey)
	assert.Error(t, err)
}

func TestVerifyShareWithCommitments(t *testing.T) {
	dealing, _, err := SplitSecret(th23)
	require.NoError(t, err)
	for _, s := range dealing.Shares {
		assert.NoError(t, VerifyShare(s, dealing.Commits))
	}
	bad := &KeyShare{Index: 0, Secret: dealing.Shares[1].Secret}
	assert.ErrorIs(t, VerifyShare(bad, dealing.Commits), ErrBadSubShare)
}

func TestExpectedPublicSharesMatchCombinedShares(t *testing.T) {
	dealing, _, err := SplitSecret(th23)
	require.NoError(t, err)
	deals := map[int]*Dealing{}
	commits := map[int][][]byte{}
	for _, i := range []int{0, 2} {
		d, err := dealing.Shares[i].Reshare(th23)
		require.NoError(t, err)
		deals[i] = d
		commits[i] = d.Commits
	}

	expected, err := ExpectedPublicShares(commits, th23, th23, dealing.PublicKey)
	require.NoError(t, err)
	require.Len(t, expected, th23.N)
	for j := 0; j < th23.N; j++ {
		var subs []SubShare
		for d, dl := range deals {
			subs = append(subs, SubShare{Dealer: d, Commits: dl.Commits, Value: EncodeScalar(dl.Shares[j].Secret)})
		}
		ks, err := CombineSubShares(j, subs, th23, dealing.PublicKey)
		require.NoError(t, err)
		assert.True(t, expected[j].Equal(ks.Public()), "party %d", j)
	}

	// 承诺来自另一把密钥
	other, _, err := SplitSecret(th23)
	require.NoError(t, err)
	_, err = ExpectedPublicShares(commits, th23, th23, other.PublicKey)
	assert.ErrorIs(t, err, ErrDealerKeyMismatch)

	_, err = ExpectedPublicShares(map[int][][]byte{0: commits[0]}, th23, th23, dealing.PublicKey)
	assert.Error(t, err)
}
