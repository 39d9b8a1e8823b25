package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quic-interop/quic-interop-runner/internal/errors"
)

const catalogJSON = `{
  "quic-go": {
    "image": "martenseemann/quic-go-interop:latest",
    "url": "https://github.com/quic-go/quic-go",
    "role": "both"
  },
  "ngtcp2": {
    "image": "ghcr.io/ngtcp2/ngtcp2-interop:latest",
    "url": "https://github.com/ngtcp2/ngtcp2",
    "role": "both"
  },
  "aioquic": {
    "image": "aiortc/aioquic-qns:latest",
    "url": "https://github.com/aiortc/aioquic",
    "role": "both"
  },
  "chrome": {
    "image": "martenseemann/chrome-quic-interop-runner",
    "url": "https://github.com/quic-interop/chrome-quic-interop-runner",
    "role": "client"
  },
  "nginx": {
    "image": "public.ecr.aws/nginx/nginx-quic-qns:latest",
    "url": "https://quic.nginx.org/",
    "role": "server"
  }
}`

func names(impls []Implementation) []string {
	var out []string
	for _, impl := range impls {
		out = append(out, impl.Name)
	}
	return out
}

func TestParseCatalogKeepsOrder(t *testing.T) {
	cat, err := ParseCatalog([]byte(catalogJSON))
	require.NoError(t, err)

	require.Equal(t, []string{"quic-go", "ngtcp2", "aioquic", "chrome", "nginx"}, names(cat.All()))
	require.Equal(t, []string{"quic-go", "ngtcp2", "aioquic", "nginx"}, names(cat.Servers()))
	require.Equal(t, []string{"quic-go", "ngtcp2", "aioquic", "chrome"}, names(cat.Clients()))

	impl, ok := cat.Get("chrome")
	require.True(t, ok)
	require.Equal(t, RoleClient, impl.Role)
	require.Equal(t, "https://github.com/quic-interop/chrome-quic-interop-runner", impl.URL)
}

func TestParseCatalogYAML(t *testing.T) {
	data := `
picoquic:
  image: privateoctopus/picoquic:latest
  url: https://github.com/private-octopus/picoquic
  role: both
  tags: [c]
`
	cat, err := ParseCatalog([]byte(data))
	require.NoError(t, err)
	impl, ok := cat.Get("picoquic")
	require.True(t, ok)
	require.True(t, impl.HasTag("c"))
	require.False(t, impl.HasTag("rust"))
}

func TestParseCatalogErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"list", "- a\n- b\n", "mapping"},
		{"unknown role", `{"x": {"image": "x", "role": "peer"}}`, "unknown role"},
		{"missing image", `{"x": {"role": "both"}}`, "image is required"},
		{"duplicate", "x: {image: a, role: both}\nx: {image: b, role: both}\n", "duplicate"},
		{"underscore", `{"a_b": {"image": "x", "role": "both"}}`, "underscores"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.data))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadCatalogWrapsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "implementations.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"x": {"image": "x", "role": "nope"}}`), 0644))

	_, err := LoadCatalog(path)
	require.Error(t, err)
	require.True(t, errors.IsFatal(err), "catalog errors must be fatal")
}

func TestCatalogReplace(t *testing.T) {
	cat, err := ParseCatalog([]byte(catalogJSON))
	require.NoError(t, err)

	require.NoError(t, cat.Replace("ngtcp2=ngtcp2:dev"))
	impl, _ := cat.Get("ngtcp2")
	require.Equal(t, "ngtcp2:dev", impl.Image)

	require.Error(t, cat.Replace("missing=image"))
	require.Error(t, cat.Replace("ngtcp2"))
	require.Error(t, cat.Replace("=image"))
}

func TestSelect(t *testing.T) {
	cat, err := ParseCatalog([]byte(catalogJSON))
	require.NoError(t, err)

	all, err := Select(cat.Servers(), "")
	require.NoError(t, err)
	require.Len(t, all, 4)

	picked, err := Select(cat.Servers(), "nginx, quic-go")
	require.NoError(t, err)
	require.Equal(t, []string{"nginx", "quic-go"}, names(picked))

	_, err = Select(cat.Servers(), "chrome")
	require.Error(t, err)
}

func TestNewCatalog(t *testing.T) {
	cat, err := NewCatalog(
		Implementation{Name: "quic-go", Image: "quic-go:dev", Role: RoleBoth},
		Implementation{Name: "nginx", Image: "nginx:dev", Role: RoleServer, Tags: []string{"ipv6"}},
	)
	require.NoError(t, err)
	require.Len(t, cat.Servers(), 2)
	require.Len(t, cat.Clients(), 1)
	impl, ok := cat.Get("nginx")
	require.True(t, ok)
	require.True(t, impl.HasTag("ipv6"))

	_, err = NewCatalog(Implementation{Name: "a_b", Image: "x", Role: RoleBoth})
	require.Error(t, err)
	_, err = NewCatalog(Implementation{Name: "a", Image: "x", Role: RoleBoth}, Implementation{Name: "a", Image: "y", Role: RoleBoth})
	require.Error(t, err)
}
