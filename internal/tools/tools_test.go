package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler struct {
	descriptor *Descriptor
	messages   []json.RawMessage
	audio      [][]byte
}

func (s *stubHandler) Schema() *Descriptor { return s.descriptor }

func (s *stubHandler) HandleMessage(_ context.Context, payload json.RawMessage) error {
	s.messages = append(s.messages, payload)
	return nil
}

func (s *stubHandler) HandleAudioChunk(_ context.Context, _ string, data []byte) error {
	s.audio = append(s.audio, data)
	return nil
}

func newStub(namespace, name string, schema json.RawMessage) *stubHandler {
	return &stubHandler{descriptor: &Descriptor{Namespace: namespace, Name: name, InputSchema: schema}}
}

func TestParseAndQualifyName(t *testing.T) {
	ns, local := ParseQualifiedName("mcp__fs__read")
	assert.Equal(t, "mcp", ns)
	assert.Equal(t, "fs__read", local)

	ns, local = ParseQualifiedName("get_weather")
	assert.Equal(t, "", ns)
	assert.Equal(t, "get_weather", local)

	assert.Equal(t, "mcp__fs__read", QualifyName("mcp", "fs__read"))
	assert.Equal(t, "get_weather", QualifyName("", "get_weather"))
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	h := newStub("", "search", json.RawMessage(`{"type":"object"}`))
	require.NoError(t, r.Register(h))

	got, ok := r.Get("search")
	assert.True(t, ok)
	assert.Same(t, h, got)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("", "search", nil)))
	err := r.Register(newStub("", "search", nil))
	assert.Error(t, err)
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(newStub("", "broken", json.RawMessage(`not json`)))
	assert.Error(t, err)
}

func TestListReturnsAllDescriptors(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newStub("", "a", nil)))
	require.NoError(t, r.Register(newStub("mcp", "b", nil)))

	names := map[string]bool{}
	for _, d := range r.List() {
		names[d.QualifiedName()] = true
	}
	assert.True(t, names["a"])
	assert.True(t, names["mcp__b"])
}

func TestValidateParamsAcceptsMatchingSchema(t *testing.T) {
	r := NewRegistry()
	schema := json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`)
	require.NoError(t, r.Register(newStub("", "search", schema)))

	err := r.ValidateParams("search", json.RawMessage(`{"query":"go"}`))
	assert.NoError(t, err)
}

func TestValidateParamsRejectsMismatch(t *testing.T) {
	r := NewRegistry()
	schema := json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`)
	require.NoError(t, r.Register(newStub("", "search", schema)))

	err := r.ValidateParams("search", json.RawMessage(`{}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "search", verr.Tool)
}

func TestValidateParamsUnknownTool(t *testing.T) {
	r := NewRegistry()
	err := r.ValidateParams("missing", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestHandlerDispatch(t *testing.T) {
	r := NewRegistry()
	h := newStub("", "echo", nil)
	require.NoError(t, r.Register(h))

	got, ok := r.Get("echo")
	require.True(t, ok)
	require.NoError(t, got.HandleMessage(context.Background(), json.RawMessage(`{"msg":"hi"}`)))
	require.NoError(t, got.HandleAudioChunk(context.Background(), "audio/pcm", []byte{1, 2, 3}))

	assert.Len(t, h.messages, 1)
	assert.Len(t, h.audio, 1)
}
