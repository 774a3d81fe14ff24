package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", fmt.Errorf("boom"), KindUnknown},
		{"sentinel", ErrMappingNotFound, KindNotFound},
		{"wrapped sentinel", fmt.Errorf("ctx: %w", ErrAdapterIDTaken), KindConflict},
		{"wrap kind", WrapKind(fmt.Errorf("dial"), KindStorage, "kv", "Get", "read"), KindStorage},
		{"transient keeps kind", WrapTransient(ErrRegistryUnavailable, "registry", "Login", "login"), KindUpstreamUnavailable},
		{"invalid defaults to validation", WrapInvalid(fmt.Errorf("bad"), "c", "m", "a"), KindValidation},
		{"outer kind wins", Upstream(Storage(fmt.Errorf("x"), "a", "b", "c"), "d", "e", "f"), KindUpstreamUnavailable},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, KindOf(test.err))
		})
	}
}

func TestKind_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindValidation.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, KindConflict.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindUpstreamUnavailable.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindStorage.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindCorruptedState.HTTPStatus())
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		invalid   bool
		fatal     bool
	}{
		{"nil", nil, false, false, false},
		{"storage", ErrStorageUnavailable, true, false, false},
		{"upstream", ErrRegistryUnavailable, true, false, false},
		{"validation", ErrMissingParameters, false, true, false},
		{"conflict", ErrAdapterIDImmutable, false, true, false},
		{"corrupted", ErrCorruptedMapping, false, false, true},
		{"deadline", context.DeadlineExceeded, true, false, false},
		{"message pattern", fmt.Errorf("connection refused"), true, false, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false, false, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.transient, IsTransient(test.err), "transient")
			assert.Equal(t, test.invalid, IsInvalid(test.err), "invalid")
			assert.Equal(t, test.fatal, IsFatal(test.err), "fatal")
		})
	}
}

func TestWrap(t *testing.T) {
	base := fmt.Errorf("dial tcp: refused")

	err := Wrap(base, "registry", "Login", "gateway login")
	require.Error(t, err)
	assert.Equal(t, "registry.Login: gateway login failed: dial tcp: refused", err.Error())
	assert.True(t, Is(err, base))
	assert.Nil(t, Wrap(nil, "a", "b", "c"))
	assert.Nil(t, WrapKind(nil, KindStorage, "a", "b", "c"))

	var ce *ClassifiedError
	require.True(t, As(Storage(base, "kvstore", "Get", "read key"), &ce))
	assert.Equal(t, "kvstore", ce.Component)
	assert.Equal(t, "Get", ce.Operation)
	assert.Equal(t, KindStorage, ce.Kind)
	assert.Equal(t, ErrorTransient, ce.Class)
}
