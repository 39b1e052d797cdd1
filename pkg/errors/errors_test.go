package errors_test

import (
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/haiprotocol/haip/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := pkgerrors.New("config", "Load", cause)

	assert.Equal(t, "config", err.Component)
	assert.Equal(t, "Load", err.Operation)
	assert.Equal(t, 0, err.StatusCode)
	assert.Nil(t, err.Details)
	assert.Equal(t, cause, err.Cause)
}

func TestErrorBasicMessage(t *testing.T) {
	cause := fmt.Errorf("file not found")
	err := pkgerrors.New("config", "Load", cause)

	assert.Equal(t, "[config] Load: file not found", err.Error())
}

func TestErrorWithStatusCode(t *testing.T) {
	cause := fmt.Errorf("unauthorized")
	err := pkgerrors.New("session", "Authenticate", cause).WithStatusCode(401)

	assert.Equal(t, "[session] Authenticate (status 401): unauthorized", err.Error())
}

func TestChainedBuilders(t *testing.T) {
	err := pkgerrors.New("transport.ws", "Accept", fmt.Errorf("bad request")).
		WithStatusCode(400).
		WithDetails(map[string]any{"remote": "1.2.3.4"})

	assert.Equal(t, 400, err.StatusCode)
	assert.Equal(t, map[string]any{"remote": "1.2.3.4"}, err.Details)
}

func TestErrorsIs(t *testing.T) {
	sentinel := fmt.Errorf("sentinel error")
	wrapped := fmt.Errorf("mid-layer: %w", sentinel)
	err := pkgerrors.New("store", "Get", wrapped)

	assert.True(t, errors.Is(err, sentinel))
}

func TestErrorsAs(t *testing.T) {
	cause := fmt.Errorf("something failed")
	err := pkgerrors.New("tools", "Register", cause)
	outer := fmt.Errorf("outer: %w", err)

	var ctxErr *pkgerrors.ContextualError
	require.True(t, errors.As(outer, &ctxErr))
	assert.Equal(t, "tools", ctxErr.Component)
}
