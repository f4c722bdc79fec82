package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orkesy/orkesy/pkg/model"
)

const simpleManifest = `
name: demo
services:
  db:
    command: ["postgres"]
  api:
    command: ["node", "server.js"]
    depends_on: ["db"]
  worker:
    command: ["node", "worker.js"]
    depends_on: ["api"]
`

func TestParseSimpleManifest(t *testing.T) {
	m, err := Parse([]byte(simpleManifest))
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Name)
	assert.Len(t, m.Services, 3)
	require.NoError(t, m.Validate())
}

func TestStartOrderRespectsDependencies(t *testing.T) {
	m, err := Parse([]byte(simpleManifest))
	require.NoError(t, err)

	order := m.StartOrder()
	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["db"], pos["api"])
	assert.Less(t, pos["api"], pos["worker"])
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	m, err := Parse([]byte(`
services:
  api:
    command: ["node", "server.js"]
    depends_on: ["missing"]
`))
	require.NoError(t, err)

	err = m.Validate()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, ErrInvalidDependency, cfgErr.Kind)
}

func TestValidateRejectsMissingCommand(t *testing.T) {
	m, err := Parse([]byte(`
services:
  api:
    depends_on: []
`))
	require.NoError(t, err)

	err = m.Validate()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, ErrMissingCommand, cfgErr.Kind)
}

func TestValidateRejectsCycle(t *testing.T) {
	m, err := Parse([]byte(`
services:
  a:
    command: ["a"]
    depends_on: ["b"]
  b:
    command: ["b"]
    depends_on: ["c"]
  c:
    command: ["c"]
    depends_on: ["a"]
`))
	require.NoError(t, err)

	err = m.Validate()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, ErrCyclicDependency, cfgErr.Kind)
	assert.Equal(t, cfgErr.Cycle[0], cfgErr.Cycle[len(cfgErr.Cycle)-1])
}

func TestToGraphProducesEdgesAndNodes(t *testing.T) {
	m, err := Parse([]byte(simpleManifest))
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	g := m.ToGraph()
	assert.Len(t, g.Nodes, 3)
	assert.Len(t, g.Edges, 2)

	node, err := g.Get("api")
	require.NoError(t, err)
	assert.Equal(t, "node server.js", node.Unit.Start)
}

func TestToGraphDerivesDesiredFromAutostart(t *testing.T) {
	manifest := `
services:
  db:
    command: ["postgres"]
    autostart: false
  api:
    command: ["node", "server.js"]
    depends_on: ["db"]
`
	m, err := Parse([]byte(manifest))
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	g := m.ToGraph()
	db, err := g.Get("db")
	require.NoError(t, err)
	assert.Equal(t, model.DesiredStopped, db.Desired)

	api, err := g.Get("api")
	require.NoError(t, err)
	assert.Equal(t, model.DesiredRunning, api.Desired)
}
