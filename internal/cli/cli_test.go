package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glass-frontier/hub/internal/storage/sqlstore"
)

const sampleCatalog = `[
  {"verbId": "say", "category": "chat", "parameters": [{"name": "message", "type": "string", "required": true}], "rateLimit": {"burst": 3, "perSeconds": 10}},
  {"verbId": "duel", "parameters": [{"name": "target", "type": "string", "required": true}], "rateLimit": false,
   "contest": {"targetParameter": "target"}}
]`

func init() {
	color.NoColor = true
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootRegistersCommands(t *testing.T) {
	names := map[string]bool{}
	for _, sub := range RootCmd().Commands() {
		names[sub.Name()] = true
		assert.NotEmpty(t, sub.Short, sub.Name())
	}
	assert.True(t, names["serve"])
	assert.True(t, names["catalog"])
}

func TestCatalogValidate(t *testing.T) {
	good := writeFile(t, "verbs.json", sampleCatalog)
	out, err := execute(t, "catalog", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")
	assert.Contains(t, out, "(2 verbs)")
	assert.Contains(t, out, "duel contest")
	assert.Contains(t, out, "say [chat] 3/10s")

	bad := writeFile(t, "broken.json", `[{"verbId": ""}]`)
	out, err = execute(t, "catalog", "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "INVALID")
}

func TestCatalogSchemaWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema", "verbs.schema.json")
	_, err := execute(t, "catalog", "schema", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, "Glass Frontier Verb Catalog", schema["title"])
}

func TestCatalogImportRequiresHub(t *testing.T) {
	_, err := execute(t, "catalog", "import", writeFile(t, "verbs.json", sampleCatalog))
	require.Error(t, err)
}

func TestCatalogImportRejectsMemoryStorage(t *testing.T) {
	t.Setenv("GLASS_HUB_STORAGE_DRIVER", "memory")
	_, err := execute(t, "catalog", "import", "--hub", "hub-1", writeFile(t, "verbs.json", sampleCatalog))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite or postgres")
}

func TestCatalogImportStoresRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hub.sqlite")
	t.Setenv("GLASS_HUB_STORAGE_DRIVER", "sqlite")
	t.Setenv("GLASS_HUB_SQLITE_PATH", dbPath)
	path := writeFile(t, "verbs.json", sampleCatalog)

	out, err := execute(t, "catalog", "import", "--hub", "hub-1", path)
	require.NoError(t, err)
	assert.Contains(t, out, "STORED hub-1/say v1")
	assert.Contains(t, out, "STORED hub-1/duel v1")

	out, err = execute(t, "catalog", "import", "--hub", "hub-1", path)
	require.NoError(t, err)
	assert.Contains(t, out, "hub-1/say v2")

	ctx := context.Background()
	store, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: sqlstore.DialectSQLite, DSN: dbPath})
	require.NoError(t, err)
	defer store.Close()
	rows, err := store.ListActiveVerbs(ctx, "hub-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "duel", rows[0].VerbID)
	assert.Contains(t, string(rows[0].Definition), `"rateLimit":false`)
}
