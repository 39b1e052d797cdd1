package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/haiprotocol/haip/internal/config"
	"github.com/haiprotocol/haip/internal/logger"
	"github.com/haiprotocol/haip/internal/tools"
)

// loadToolManifest registers one Handler per config.ToolConfig entry. A
// manifest-declared tool has no Go code behind it, so it is bound to a
// stub handler that accepts TRANSACTION_START and logs message/audio
// traffic without acting on it; wiring real behavior means registering a
// Handler from Go code before the server starts, the manifest only
// advertises the tool's name and schema over TOOL_LIST/TOOL_SCHEMA.
func loadToolManifest(registry *tools.Registry, manifest []config.ToolConfig) error {
	for _, t := range manifest {
		schema, err := readInputSchema(t.InputSchemaFile)
		if err != nil {
			return fmt.Errorf("tool %q: %w", t.Name, err)
		}
		h := &manifestTool{
			descriptor: &tools.Descriptor{
				Name:        t.Name,
				Namespace:   t.Namespace,
				Description: t.Description,
				InputSchema: schema,
			},
		}
		if err := registry.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func readInputSchema(path string) (json.RawMessage, error) {
	if path == "" {
		return json.RawMessage(`{"type":"object"}`), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input schema %q: %w", path, err)
	}
	return json.RawMessage(data), nil
}

type manifestTool struct {
	descriptor *tools.Descriptor
}

func (t *manifestTool) Schema() *tools.Descriptor { return t.descriptor }

func (t *manifestTool) HandleMessage(_ context.Context, payload json.RawMessage) error {
	logger.For("haipd.tools").Debug("manifest tool received message", "tool", t.descriptor.QualifiedName(), "bytes", len(payload))
	return nil
}

func (t *manifestTool) HandleAudioChunk(_ context.Context, mimeType string, data []byte) error {
	logger.For("haipd.tools").Debug("manifest tool received audio chunk", "tool", t.descriptor.QualifiedName(), "mime", mimeType, "bytes", len(data))
	return nil
}

// newEchoTool returns the optional demo tool enabled via -with-demo-tools:
// it accepts a free-form {"text": string} message and is otherwise inert,
// useful for exercising the transaction/credit/replay machinery end to end
// without standing up a real agent behind it.
func newEchoTool() tools.Handler {
	return &manifestTool{
		descriptor: &tools.Descriptor{
			Name:        "echo",
			Description: "Logs the size of received text messages to server debug logs",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"text": {"type": "string"}},
				"required": ["text"]
			}`),
		},
	}
}
