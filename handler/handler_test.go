package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorryhyun/DiPeO-sub017/events"
	"github.com/sorryhyun/DiPeO-sub017/graph"
	"github.com/sorryhyun/DiPeO-sub017/store"
)

// echoHandler is a trivial handler for registry tests.
type echoHandler struct {
	nodeType graph.NodeType
	services []string
	schema   string
}

func (h *echoHandler) NodeType() graph.NodeType    { return h.nodeType }
func (h *echoHandler) RequiredServices() []string  { return h.services }
func (h *echoHandler) Schema() string              { return h.schema }
func (h *echoHandler) Execute(_ context.Context, _ *Context, _ map[string]any, inputs map[string]any, _ Services) (*store.NodeOutput, error) {
	return &store.NodeOutput{Value: inputs}, nil
}

const codeJobSchema = `{
	"type": "object",
	"properties": {
		"code": {"type": "string"},
		"language": {"type": "string", "enum": ["python", "javascript", "bash"]},
		"max_iterations": {"type": "integer", "minimum": 0}
	},
	"required": ["code"]
}`

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	h := &echoHandler{nodeType: graph.NodeTypeCodeJob}
	require.NoError(t, r.Register(h))

	got, err := r.Lookup(graph.NodeTypeCodeJob)
	require.NoError(t, err)
	assert.Same(t, h, got.(*echoHandler))

	_, err = r.Lookup(graph.NodeTypeAPIJob)
	var nerr *NoExecutorError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, graph.NodeTypeAPIJob, nerr.Type)
}

func TestRegistryHasAndTypes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoHandler{nodeType: graph.NodeTypePersonJob}))
	require.NoError(t, r.Register(&echoHandler{nodeType: graph.NodeTypeCodeJob}))

	assert.True(t, r.Has(graph.NodeTypeCodeJob))
	assert.False(t, r.Has(graph.NodeTypeDB))
	assert.Equal(t, []graph.NodeType{graph.NodeTypeCodeJob, graph.NodeTypePersonJob}, r.Types())
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&echoHandler{nodeType: graph.NodeTypeCodeJob, schema: `{"type": nonsense}`})
	assert.Error(t, err)
}

func TestValidatePropsAcceptsValid(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoHandler{nodeType: graph.NodeTypeCodeJob, schema: codeJobSchema}))

	node := &graph.Node{ID: "j", Type: graph.NodeTypeCodeJob, Data: map[string]any{
		"code":           "print('hi')",
		"language":       "python",
		"max_iterations": 3,
	}}
	assert.NoError(t, r.ValidateProps(node))
}

func TestValidatePropsRejectsInvalid(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoHandler{nodeType: graph.NodeTypeCodeJob, schema: codeJobSchema}))

	// Missing required "code".
	node := &graph.Node{ID: "j", Type: graph.NodeTypeCodeJob, Data: map[string]any{"language": "python"}}
	err := r.ValidateProps(node)
	var perr *PropsError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, graph.NodeID("j"), perr.NodeID)

	// Wrong enum value.
	node = &graph.Node{ID: "j", Type: graph.NodeTypeCodeJob, Data: map[string]any{
		"code":     "x",
		"language": "cobol",
	}}
	assert.Error(t, r.ValidateProps(node))
}

func TestValidatePropsNoSchemaAlwaysPasses(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&echoHandler{nodeType: graph.NodeTypeHook}))

	node := &graph.Node{ID: "h", Type: graph.NodeTypeHook, Data: map[string]any{"anything": []any{1, 2}}}
	assert.NoError(t, r.ValidateProps(node))
}

func TestServicesHas(t *testing.T) {
	s := Services{"llm": struct{}{}, "http": struct{}{}}
	assert.True(t, s.Has("llm"))
	assert.True(t, s.Has("llm", "http"))
	assert.False(t, s.Has("llm", "db"))
	assert.Nil(t, s.Get("db"))
	assert.NotNil(t, s.Get("llm"))
}

func TestContextEmit(t *testing.T) {
	var emitted []*events.Event
	hctx := NewContext("exec-1", "node-a", 2, map[string]any{"k": "v"}, func(e *events.Event) {
		emitted = append(emitted, e)
	})

	hctx.Emit(events.LLMToken, map[string]any{"token": "hi"})
	require.Len(t, emitted, 1)
	assert.Equal(t, events.LLMToken, emitted[0].Type)
	assert.Equal(t, "exec-1", emitted[0].ExecutionID)
	assert.Equal(t, "node-a", emitted[0].NodeID)

	// A nil emitter is a no-op.
	quiet := NewContext("exec-1", "node-a", 0, nil, nil)
	quiet.Emit(events.LLMToken, nil)
}

func TestParseConversationShapes(t *testing.T) {
	msgs, err := ParseConversation("hello")
	require.NoError(t, err)
	assert.Equal(t, []Message{{Role: "user", Content: "hello"}}, msgs)

	msgs, err = ParseConversation([]any{
		map[string]any{"role": "system", "content": "be brief"},
		map[string]any{"role": "assistant", "content": "ok", "person_id": "alice"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "alice", msgs[1].PersonID)

	msgs, err = ParseConversation([]Message{{Role: "user", Content: "q"}})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	msgs, err = ParseConversation(nil)
	require.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestParseConversationRejectsBadShapes(t *testing.T) {
	_, err := ParseConversation(42)
	assert.Error(t, err)

	_, err = ParseConversation(map[string]any{"role": "wizard", "content": "x"})
	assert.Error(t, err)

	_, err = ParseConversation([]any{map[string]any{"role": "user", "content": 7}})
	assert.Error(t, err)

	_, err = ParseConversation([]any{"not a message"})
	assert.Error(t, err)
}

func TestFormatConversation(t *testing.T) {
	out := FormatConversation([]Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello", PersonID: "alice"},
	})
	assert.Equal(t, "[user] hi\n[assistant/alice] hello", out)
}
