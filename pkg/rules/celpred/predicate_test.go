package celpred

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/watchtower/pkg/contracts"
)

func TestCompileAndEval(t *testing.T) {
	p, err := Compile(`receipt.status == "pending" && int(receipt.ageSeconds) > 300`)
	require.NoError(t, err)
	assert.Equal(t, `receipt.status == "pending" && int(receipt.ageSeconds) > 300`, p.Source())

	match, err := p.Eval(map[string]any{"status": "pending", "ageSeconds": int64(600)})
	require.NoError(t, err)
	assert.True(t, match)

	match, err = p.Eval(map[string]any{"status": "finalized", "ageSeconds": int64(600)})
	require.NoError(t, err)
	assert.False(t, match)
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	_, err := Compile(`receipt.receiptId`)
	require.Error(t, err)
	var verr *contracts.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCompileRejectsFloatLiterals(t *testing.T) {
	_, err := Compile(`1.5 > 1.0`)
	require.Error(t, err)
	var verr *contracts.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCompileRejectsSyntaxError(t *testing.T) {
	_, err := Compile(`receipt.status ==`)
	require.Error(t, err)
}

func TestEvalMissingFieldErrors(t *testing.T) {
	p, err := Compile(`receipt.status == "pending"`)
	require.NoError(t, err)
	_, err = p.Eval(map[string]any{})
	assert.Error(t, err, "no such key surfaces as an eval error, not a silent false")
}
