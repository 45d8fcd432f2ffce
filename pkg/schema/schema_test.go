package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Models: []ModelDefinition{
			{
				Name:       "app.Author",
				Table:      "authors",
				PrimaryKey: "id",
				Fields: []FieldDefinition{
					{Name: "id", Type: FieldInteger},
					{Name: "name", Type: FieldString},
					{Name: "books", Type: FieldRelation, To: "app.Book", Many: true, Via: "author_id"},
				},
				SearchableFields: []string{"name"},
			},
			{
				Name:  "app.Book",
				Table: "books",
				Fields: []FieldDefinition{
					{Name: "id", Type: FieldInteger},
					{Name: "title", Type: FieldString},
					{Name: "price", Type: FieldFloat},
					{Name: "author", Type: FieldRelation, To: "app.Author"},
				},
			},
		},
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry(testConfig())
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())
	require.Equal(t, []string{"app.Author", "app.Book"}, reg.Names())

	book, ok := reg.Lookup("app.Book")
	require.True(t, ok)
	require.Equal(t, "id", book.PrimaryKey, "primary key should default to 'id'")

	_, ok = reg.Lookup("app.Missing")
	require.False(t, ok)
}

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty_config",
			mutate:  func(c *Config) { c.Models = nil },
			wantErr: "no models configured",
		},
		{
			name: "duplicate_model",
			mutate: func(c *Config) {
				c.Models = append(c.Models, c.Models[0])
			},
			wantErr: "duplicate model",
		},
		{
			name: "unnamespaced_model",
			mutate: func(c *Config) {
				c.Models[0].Name = "Author"
			},
			wantErr: "namespaced",
		},
		{
			name: "missing_primary_key_field",
			mutate: func(c *Config) {
				c.Models[0].PrimaryKey = "uuid"
			},
			wantErr: "primary key field 'uuid' is not declared",
		},
		{
			name: "relation_without_target",
			mutate: func(c *Config) {
				c.Models[1].Fields[3].To = ""
			},
			wantErr: "must declare 'to'",
		},
		{
			name: "relation_to_unknown_model",
			mutate: func(c *Config) {
				c.Models[1].Fields[3].To = "app.Ghost"
			},
			wantErr: "unknown model 'app.Ghost'",
		},
		{
			name: "many_relation_without_via",
			mutate: func(c *Config) {
				c.Models[0].Fields[2].Via = ""
			},
			wantErr: "must declare 'via'",
		},
		{
			name: "searchable_field_not_declared",
			mutate: func(c *Config) {
				c.Models[0].SearchableFields = []string{"bio"}
			},
			wantErr: "searchable field 'bio'",
		},
		{
			name: "scalar_with_relation_settings",
			mutate: func(c *Config) {
				c.Models[0].Fields[1].Via = "oops"
			},
			wantErr: "not a relation",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig()
			test.mutate(cfg)
			_, err := NewRegistry(cfg)
			require.ErrorContains(t, err, test.wantErr)
		})
	}
}

func TestStorageColumn(t *testing.T) {
	cfg := testConfig()
	book := &cfg.Models[1]

	require.Equal(t, "title", book.Field("title").StorageColumn())
	require.Equal(t, "author_id", book.Field("author").StorageColumn(), "single relation defaults to <name>_id")

	author := &cfg.Models[0]
	require.Equal(t, "", author.Field("books").StorageColumn(), "many relation has no backing column")
}

func TestParse(t *testing.T) {
	raw := []byte(`
models:
  - name: app.Note
    table: notes
    fields:
      - name: id
        type: integer
      - name: body
        type: text
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, cfg.Models, 1)
	require.Equal(t, "app.Note", cfg.Models[0].Name)
	require.Equal(t, FieldText, cfg.Models[0].Fields[1].Type)

	_, err = Parse([]byte("models:\n  - nam: oops"))
	require.Error(t, err, "unknown keys are rejected")
}
