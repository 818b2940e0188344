package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/convergence/pkg/engine"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const webConfiguration = `
configuration: {
	name:         "webserver"
	environments: ["WinA", "WinB"]
	imports:      ["iis", "firewall"]
	parameters: siteName: "default"
}
`

func TestCUELoader_ParseInline(t *testing.T) {
	loader := NewCUELoader([]string{"**/*.cue"}, nil)

	tests := []struct {
		name     string
		content  string
		wantErr  bool
		wantNil  bool
		validate func(t *testing.T, cfg *engine.Configuration)
	}{
		{
			name:    "valid configuration",
			content: webConfiguration,
			validate: func(t *testing.T, cfg *engine.Configuration) {
				assert.Equal(t, "webserver", cfg.Name)
				assert.Equal(t, []string{"WinA", "WinB"}, cfg.Environments)
				assert.Equal(t, []string{"iis", "firewall"}, cfg.Imports)
				assert.Equal(t, "default", cfg.Parameters["siteName"])
				assert.Equal(t, "inline", cfg.Source)
			},
		},
		{
			name: "null environment is kept as empty",
			content: `configuration: {
				name:         "db"
				environments: ["WinA", null]
			}`,
			validate: func(t *testing.T, cfg *engine.Configuration) {
				assert.Equal(t, []string{"WinA", ""}, cfg.Environments)
				assert.Empty(t, cfg.Imports)
			},
		},
		{
			name: "missing environments decode to none",
			content: `configuration: {
				name: "db"
			}`,
			validate: func(t *testing.T, cfg *engine.Configuration) {
				assert.Empty(t, cfg.Environments)
			},
		},
		{
			name:    "no configuration block",
			content: `#Shared: {port: int}`,
			wantNil: true,
		},
		{
			name:    "syntax error",
			content: `configuration: { name: "x"`,
			wantErr: true,
		},
		{
			name: "invalid name",
			content: `configuration: {
				name:         "9lives"
				environments: ["WinA"]
			}`,
			wantErr: true,
		},
		{
			name: "unknown field",
			content: `configuration: {
				name:         "web"
				environments: ["WinA"]
				targets:      ["WinA"]
			}`,
			wantErr: true,
		},
		{
			name: "non-string environment",
			content: `configuration: {
				name:         "web"
				environments: [42]
			}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, errs := loader.ParseInline(tt.content)
			if tt.wantErr {
				assert.NotEmpty(t, errs)
				assert.Nil(t, cfg)
				return
			}
			require.Empty(t, errs)
			if tt.wantNil {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			tt.validate(t, cfg)
		})
	}
}

func TestCUELoader_Load(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "configurations/web/webserver.cue", webConfiguration)
	writeFile(t, root, "configurations/db.cue", `configuration: {
	name:         "database"
	environments: ["WinA"]
}`)
	writeFile(t, root, "configurations/shared/defs.cue", `#Port: int & >0`)
	writeFile(t, root, "configurations/drafts/wip.cue", `configuration: {`)

	loader := NewCUELoader([]string{"configurations/**/*.cue"}, []string{"configurations/drafts/**"})
	configs, err := loader.Load(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	// Lexical path order: configurations/db.cue sorts before configurations/web/.
	assert.Equal(t, "database", configs[0].Name)
	assert.Equal(t, "webserver", configs[1].Name)
	assert.Equal(t, filepath.Join(root, "configurations", "db.cue"), configs[0].Source)
}

func TestCUELoader_LoadReportsEveryInvalidFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "configurations/a.cue", `configuration: {`)
	writeFile(t, root, "configurations/b.cue", `configuration: {name: "b", environments: ["WinA"], extra: 1}`)

	_, err := NewCUELoader([]string{"configurations/*.cue"}, nil).Load(context.Background(), root)
	require.Error(t, err)
	assert.True(t, engine.IsInput(err))

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.GreaterOrEqual(t, len(verrs), 2)
}

func TestCUELoader_LoadDuplicateNames(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "configurations/a.cue", `configuration: {name: "web", environments: ["WinA"]}`)
	writeFile(t, root, "configurations/b.cue", `configuration: {name: "web", environments: ["WinB"]}`)

	_, err := NewCUELoader([]string{"configurations/*.cue"}, nil).Load(context.Background(), root)
	require.Error(t, err)
	assert.True(t, engine.IsInput(err))
	assert.Contains(t, err.Error(), "already defined")
}

func TestCUELoader_LoadNothingFound(t *testing.T) {
	root := t.TempDir()

	_, err := NewCUELoader([]string{"configurations/**/*.cue"}, nil).Load(context.Background(), root)
	require.Error(t, err)
	assert.True(t, engine.IsInput(err))
	assert.Contains(t, err.Error(), "no configurations found")
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	loader := NewCUELoader(nil, nil)
	assert.Equal(t, []string{"configuration"}, loader.schemas.ListSchemas())

	err := loader.schemas.ValidateData("configuration", map[string]interface{}{
		"name":         "web",
		"environments": []string{"WinA"},
	})
	assert.NoError(t, err)

	err = loader.schemas.ValidateData("missing", map[string]interface{}{})
	assert.Error(t, err)
}
