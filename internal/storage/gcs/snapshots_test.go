package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		name   string
		want   string
	}{
		{prefix: "", name: "snapshots/a/b.html", want: "snapshots/a/b.html"},
		{prefix: "/crowdpulse/", name: "snapshots/a/b.html", want: "crowdpulse/snapshots/a/b.html"},
		{prefix: "dom", name: "/x.html", want: "dom/x.html"},
	}
	for _, tc := range tests {
		s, err := New(&storage.Client{}, Config{Bucket: "bucket", Prefix: tc.prefix})
		require.NoError(t, err)
		require.Equal(t, tc.want, s.objectKey(tc.name))
	}
}
