package tenant

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"accents", "Café Olé", "cafe-ole"},
		{"enye", "El Niño Barista", "el-nino-barista"},
		{"punctuation dropped", "Tacos & Café, S.A.", "tacos-cafe-sa"},
		{"whitespace runs", "  La   Esquina  ", "la-esquina"},
		{"hyphen runs", "Café -- Norte", "cafe-norte"},
		{"digits kept", "Barra 42", "barra-42"},
		{"leading and trailing hyphens", "-Molino-", "molino"},
		{"uppercase", "MOKA", "moka"},
		{"apostrophe dropped", "Bob's Café", "bobs-cafe"},
		{"ordinal sign dropped", "Café Nº 5", "cafe-n-5"},
		{"parentheses dropped", "Café (Centro)", "cafe-centro"},
		{"truncated without trailing hyphen", "Cafeteria " + strings.Repeat("a", 39) + " norte", "cafeteria-" + strings.Repeat("a", 39)},
		{"nothing usable", "¡¿!?", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestSlugify_LengthBound(t *testing.T) {
	slug := Slugify(strings.Repeat("Cafetería Grande ", 10))
	assert.LessOrEqual(t, len(slug), MaxSlugLength)
	assert.False(t, strings.HasSuffix(slug, "-"))

	longest := Candidates(slug, MaxSlugCandidates)[MaxSlugCandidates-1]
	assert.LessOrEqual(t, len(SchemaName(longest)), 63)
}

func TestSchemaName(t *testing.T) {
	assert.Equal(t, "cliente_cafe_ole", SchemaName("cafe-ole"))
	assert.Equal(t, "cliente_moka", SchemaName("moka"))
	assert.Equal(t, "cliente_cafe_ole_2", SchemaName("cafe-ole-2"))
}

func TestCandidates(t *testing.T) {
	c := Candidates("cafe-ole", 0)
	require.Len(t, c, 100)
	assert.Equal(t, "cafe-ole", c[0])
	assert.Equal(t, "cafe-ole-2", c[1])
	assert.Equal(t, "cafe-ole-100", c[99])

	assert.Equal(t, []string{"x", "x-2", "x-3"}, Candidates("x", 3))
}

func TestValidateTaxID(t *testing.T) {
	assert.NoError(t, ValidateTaxID(""))
	assert.NoError(t, ValidateTaxID("CAF010203AB1"))
	assert.NoError(t, ValidateTaxID("caf010203ab1"))
	assert.NoError(t, ValidateTaxID("MOKA800101XY9"))

	err := ValidateTaxID("12345")
	require.Error(t, err)
	assert.Equal(t, "El RFC no tiene un formato válido", err.Error())
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestDefaultCatalogue(t *testing.T) {
	c := DefaultCatalogue()
	assert.Equal(t, []string{"basic", "premium"}, c.Names())

	basic, err := c.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, "basic", basic.Name)
	assert.Equal(t, 5, basic.MaxUsers)
	assert.Equal(t, 500, basic.MaxTicketsPerMonth)
	assert.True(t, basic.Features["ocr_processing"])
	assert.False(t, basic.Features["bulk_export"])

	premium, err := c.Lookup("premium")
	require.NoError(t, err)
	assert.Equal(t, 20, premium.MaxUsers)
	assert.Equal(t, 2000, premium.MaxTicketsPerMonth)
	assert.True(t, premium.Features["bulk_export"])
	assert.Equal(t, true, premium.FeatureMap()["multi_location"])

	_, err = c.Lookup("enterprise")
	assert.ErrorIs(t, err, ErrUnknownPlan)
}

func TestLoadCatalogue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
starter:
  max_users: 2
  max_tickets_month: 50
`), 0o600))

	c, err := LoadCatalogue(path)
	require.NoError(t, err)
	p, err := c.Lookup("starter")
	require.NoError(t, err)
	assert.Equal(t, 2, p.MaxUsers)
	assert.NotNil(t, p.Features)

	_, err = LoadCatalogue(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	def, err := LoadCatalogue("")
	require.NoError(t, err)
	assert.Contains(t, def, "premium")
}

func TestParseCatalogue_Invalid(t *testing.T) {
	_, err := ParseCatalogue([]byte("{}"))
	assert.Error(t, err)

	_, err = ParseCatalogue([]byte("basic:\n  max_users: 0\n  max_tickets_month: 10\n"))
	assert.Error(t, err)

	_, err = ParseCatalogue([]byte(":::"))
	assert.Error(t, err)
}

func TestDashboardURL(t *testing.T) {
	tests := []struct {
		appURL string
		want   string
	}{
		{"https://ycm360.com", "https://cafe-ole.ycm360.com/dashboard"},
		{"https://www.ycm360.com", "https://cafe-ole.ycm360.com/dashboard"},
		{"http://localhost:3000", "http://cafe-ole.localhost:3000/dashboard"},
		{"http://localhost:8080", "http://cafe-ole.localhost:8080/dashboard"},
		{"http://localhost", "http://cafe-ole.localhost:3000/dashboard"},
		{"", "https://cafe-ole.ycm360.com/dashboard"},
	}
	for _, tt := range tests {
		t.Run(tt.appURL, func(t *testing.T) {
			assert.Equal(t, tt.want, DashboardURL(tt.appURL, "cafe-ole"))
		})
	}
}
