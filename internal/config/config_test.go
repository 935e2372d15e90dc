package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCacheType(t *testing.T) {
	tests := []struct {
		in      string
		want    CacheType
		wantErr bool
	}{
		{"normal", CacheNormal, false},
		{"MEMORY", CacheMemory, false},
		{"none", CacheNone, false},
		{"disk", CacheNormal, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCacheType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Options {
		o := NewDefault()
		o.Mount.Path = "/mnt/cirrus"
		o.Backend.APIURL = "https://example.com/api"
		return o
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing mount", func(t *testing.T) {
		o := valid()
		o.Mount.Path = ""
		assert.Error(t, o.Validate())
	})

	t.Run("missing backend", func(t *testing.T) {
		o := valid()
		o.Backend.APIURL = ""
		assert.Error(t, o.Validate())
	})

	t.Run("both url and path", func(t *testing.T) {
		o := valid()
		o.Backend.APIPath = "/usr/bin/server"
		assert.Error(t, o.Validate())
	})

	t.Run("memory limit below page size", func(t *testing.T) {
		o := valid()
		o.Cache.MemoryLimit = o.Cache.PageSize - 1
		assert.Error(t, o.Validate())
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cirrusfs.yml")
	data := `
mount:
  path: /mnt/test
backend:
  api_url: https://server.example/api
  refresh_interval: 30s
cache:
  type: memory
  page_size: 65536
  memory_limit: 8388608
`
	require.NoError(t, os.WriteFile(file, []byte(data), 0600))

	o := NewDefault()
	require.NoError(t, o.LoadFromFile(file))

	assert.Equal(t, "/mnt/test", o.Mount.Path)
	assert.Equal(t, 30*time.Second, o.Backend.RefreshInterval)
	assert.Equal(t, CacheMemory, o.Cache.Type)
	assert.Equal(t, int64(65536), o.Cache.PageSize)
	assert.NoError(t, o.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CIRRUSFS_APIURL", "https://env.example/api")
	t.Setenv("CIRRUSFS_MEMORY_LIMIT", "1048576")

	o := NewDefault()
	o.LoadFromEnv()

	assert.Equal(t, "https://env.example/api", o.Backend.APIURL)
	assert.Equal(t, int64(1048576), o.Cache.MemoryLimit)
}
