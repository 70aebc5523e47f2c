package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/docflow-go/internal/domain/workflow"
)

func transferWorkflow() *domain.Workflow {
	wf := domain.NewWorkflow("ingest", "loads and chunks documents")
	wf.Nodes = []domain.Node{
		{ID: "load", Type: domain.NodeTypeDocumentLoader, Config: map[string]interface{}{
			"documents": []interface{}{map[string]interface{}{"text": "hello"}},
		}},
		{ID: "chunk", Type: domain.NodeTypeChunker},
	}
	wf.Connections = []domain.Connection{{Source: "load", Target: "chunk"}}
	return wf
}

func TestTransfer_JSONRoundtrip(t *testing.T) {
	wf := transferWorkflow()

	data, err := Export(wf, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, DetectFormat(data))
	assert.Contains(t, string(data), `"version": "1.0.0"`)

	imported, err := Import(data)
	require.NoError(t, err)
	assert.Equal(t, wf.Name, imported.Name)
	require.Len(t, imported.Nodes, 2)
	assert.Equal(t, "load", imported.Nodes[0].ID)
	require.Len(t, imported.Connections, 1)
}

func TestTransfer_YAMLRoundtrip(t *testing.T) {
	wf := transferWorkflow()

	data, err := Export(wf, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, DetectFormat(data))
	assert.Contains(t, string(data), "workflow:")

	imported, err := Import(data)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, imported.ID)
	require.Len(t, imported.Nodes, 2)
	assert.Equal(t, domain.NodeTypeChunker, imported.Nodes[1].Type)

	config := imported.Nodes[0].Config
	require.NotNil(t, config)
	assert.Contains(t, config, "documents")
}

func TestTransfer_ImportBareDefinition(t *testing.T) {
	doc := `
name: imported
nodes:
  - id: load
    type: document_loader
  - id: chunk
    type: chunker
connections:
  - source: load
    target: chunk
`
	imported, err := Import([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "imported", imported.Name)
	assert.NotEmpty(t, imported.ID)
	require.Len(t, imported.Connections, 1)
	assert.Equal(t, "chunk", imported.Connections[0].Target)
}

func TestTransfer_ImportRejectsBrokenGraph(t *testing.T) {
	doc := `{"name": "broken", "nodes": [{"id": "a", "type": "chunker"}], "connections": [{"source": "a", "target": "ghost"}]}`

	_, err := Import([]byte(doc))
	assert.ErrorIs(t, err, domain.ErrDanglingConnection)
}

func TestTransfer_ImportRequiresName(t *testing.T) {
	_, err := Import([]byte(`{"nodes": [], "connections": []}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name")
}

func TestTransfer_UnknownFormat(t *testing.T) {
	_, err := Export(transferWorkflow(), "toml")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}
