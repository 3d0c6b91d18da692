package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OBJECT_STORE", "")
	t.Setenv("RECORD_STORE", "")
	t.Setenv("NATS_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "property-images/", cfg.SourcePrefix)
	assert.Equal(t, "processed/", cfg.DerivativeSegment)
	assert.Equal(t, "watermark.png", cfg.WatermarkKey)
	assert.Equal(t, ObjectStoreFilesystem, cfg.ObjectStore)
	assert.Equal(t, RecordStoreRedis, cfg.RecordStore)
	assert.Equal(t, 1.0, cfg.WatermarkOpacity)
	assert.Equal(t, 90, cfg.JPEGQuality)
	assert.Equal(t, time.Hour, cfg.StagingMaxAge)
	assert.Equal(t, "property-images/processed/", cfg.Layout().DerivativePrefix())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SOURCE_PREFIX", "listings")
	t.Setenv("DERIVATIVE_SEGMENT", "wm")
	t.Setenv("WATERMARK_OPACITY", "0.5")
	t.Setenv("WATERMARK_SCALE", "0.25")
	t.Setenv("WATERMARK_MARGIN", "12")
	t.Setenv("JPEG_QUALITY", "80")
	t.Setenv("OBJECT_STORE", "GCS")
	t.Setenv("GCS_PUBLIC_ACL", "true")
	t.Setenv("NATS_ACK_WAIT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.WatermarkOpacity)
	assert.Equal(t, 0.25, cfg.WatermarkScale)
	assert.Equal(t, 12, cfg.WatermarkMargin)
	assert.Equal(t, 80, cfg.JPEGQuality)
	assert.Equal(t, ObjectStoreGCS, cfg.ObjectStore)
	assert.True(t, cfg.GCSPublicACL)
	assert.Equal(t, 90*time.Second, cfg.NATSAckWait)
	assert.Equal(t, "listings/wm/", cfg.Layout().DerivativePrefix())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"OBJECT_STORE", "s3"},
		{"RECORD_STORE", "mongo"},
		{"WATERMARK_OPACITY", "1.5"},
		{"WATERMARK_OPACITY", "abc"},
		{"JPEG_QUALITY", "101"},
		{"WATERMARK_MARGIN", "-1"},
		{"STAGING_MAX_AGE", "soon"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiresBackendSettings(t *testing.T) {
	t.Run("http object store", func(t *testing.T) {
		t.Setenv("OBJECT_STORE", "http")
		t.Setenv("OBJECT_API_URL", "")
		_, err := Load()
		assert.ErrorContains(t, err, "OBJECT_API_URL")
	})
	t.Run("postgres record store", func(t *testing.T) {
		t.Setenv("RECORD_STORE", "postgres")
		t.Setenv("LISTINGS_DATABASE_URL", "")
		_, err := Load()
		assert.ErrorContains(t, err, "LISTINGS_DATABASE_URL")
	})
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("WATERMARK_KEY=brand/logo.png\n"), 0o644))

	t.Setenv("WATERMARK_KEY", "")
	os.Unsetenv("WATERMARK_KEY")

	require.NoError(t, LoadEnvFile(path))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "brand/logo.png", cfg.WatermarkKey)

	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadEnvFileMissingDefaultIsIgnored(t *testing.T) {
	t.Chdir(t.TempDir())

	require.NoError(t, LoadEnvFile(DefaultEnvFile))
	require.NoError(t, LoadEnvFile(""))

	t.Setenv("WATERMARK_BUCKET", "")
	os.Unsetenv("WATERMARK_BUCKET")
	require.NoError(t, os.WriteFile(DefaultEnvFile, []byte("WATERMARK_BUCKET=brand-assets\n"), 0o644))
	require.NoError(t, LoadEnvFile(DefaultEnvFile))
	assert.Equal(t, "brand-assets", os.Getenv("WATERMARK_BUCKET"))
}
