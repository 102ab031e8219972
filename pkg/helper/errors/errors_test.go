package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: stderrors.New("boom"), want: KindInternal},
		{name: "classified", err: New(KindConflict, "busy"), want: KindConflict},
		{name: "wrapped", err: Wrap(New(KindNotFound, "no run"), "fail get run"), want: KindNotFound},
		{name: "with cause", err: WithKind(KindUpstreamFailure, stderrors.New("timeout"), "approval"), want: KindUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWithKindUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(WithKind(KindUpstreamFailure, cause, "approval workflow unreachable"), "rerun")

	assert.True(t, Is(err, cause))
	assert.True(t, IsKind(err, KindUpstreamFailure))
	assert.False(t, IsKind(err, KindUnauthorized))
	assert.Equal(t, "approval workflow unreachable", MessageOf(err))
	assert.Equal(t, "rerun: approval workflow unreachable: connection refused", err.Error())
}

func TestCodeErrorJSON(t *testing.T) {
	ce := &CodeError{Code: 409, Message: "stage is still active"}
	assert.JSONEq(t, `{"code":409,"message":"stage is still active"}`, ce.JSON())

	ce.Kind = KindConflict
	err := ce.Err()
	assert.True(t, IsKind(err, KindConflict))
	assert.Equal(t, "stage is still active", err.Error())
	assert.True(t, IsKind((&CodeError{Code: 500}).Err(), KindInternal))
}
