package types

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyID(t *testing.T) {
	k, err := ParseKeyID("0x00000000000000000000000000000000000000ff")
	require.NoError(t, err)

	d, err := ParseKeyID("255")
	require.NoError(t, err)
	assert.Equal(t, k, d)

	back, err := KeyIDFromBytes(k.Bytes())
	require.NoError(t, err)
	assert.Equal(t, k, back)

	_, err = ParseKeyID("not-a-key")
	assert.Error(t, err)
	_, err = ParseKeyID("-1")
	assert.Error(t, err)
}

func TestThresholdValidate(t *testing.T) {
	assert.NoError(t, Threshold{N: 3, T: 2}.Validate())
	assert.NoError(t, Threshold{N: 1, T: 1}.Validate())
	assert.ErrorIs(t, Threshold{N: 3, T: 0}.Validate(), ErrInvalidParameters)
	assert.ErrorIs(t, Threshold{N: 2, T: 3}.Validate(), ErrInvalidParameters)
}

func TestRequestIDRoundTrip(t *testing.T) {
	id := NewRequestID()
	parsed, err := ParseRequestID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	fromBytes, err := RequestIDFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, fromBytes)
	assert.NotEqual(t, id, NewRequestID())
}

func TestOrchestrationErrorMatching(t *testing.T) {
	err := error(&OrchestrationError{Kind: ErrQuorumNotReached, Phase: PhaseInit, Threshold: 2, Acked: 1, Timeout: true})
	wrapped := errors.Wrap(err, "run")

	assert.ErrorIs(t, wrapped, ErrQuorumNotReached)
	assert.ErrorIs(t, wrapped, ErrTimeout)
	assert.NotErrorIs(t, wrapped, ErrStaleEpoch)

	var oe *OrchestrationError
	require.True(t, errors.As(wrapped, &oe))
	assert.Equal(t, 1, oe.Acked)
	assert.Equal(t, "timeout", Classify(wrapped))
}

func TestNodeErrorCounting(t *testing.T) {
	oe := &OrchestrationError{
		Kind: ErrStaleEpoch,
		NodeErrors: []*NodeError{
			{Node: "a", Op: PhaseInit, Kind: ErrStaleEpoch},
			{Node: "b", Op: PhaseInit, Kind: ErrNodeUnreachable, Err: context.DeadlineExceeded},
			{Node: "c", Op: PhaseInit, Kind: ErrStaleEpoch},
		},
	}
	assert.Equal(t, 2, oe.CountNodeErrors(ErrStaleEpoch))
	assert.Equal(t, 1, oe.CountNodeErrors(ErrNodeUnreachable))
	assert.ErrorIs(t, oe.NodeErrors[1], context.DeadlineExceeded)
	assert.Equal(t, "stale_epoch", Classify(oe))
}

func TestParseSendMode(t *testing.T) {
	m, err := ParseSendMode("Sequential")
	require.NoError(t, err)
	assert.Equal(t, SendSequential, m)
	m, err = ParseSendMode("")
	require.NoError(t, err)
	assert.Equal(t, SendParallel, m)
	_, err = ParseSendMode("broadcast")
	assert.Error(t, err)
}
