package simpleblob

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributesRoundTrip(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC)
	deletedAt := created.Add(time.Hour)

	tests := []struct {
		name  string
		attrs *Attributes
	}{
		{
			name: "live blob",
			attrs: &Attributes{
				ID:      "id-1",
				Headers: map[string]string{HeaderBlobName: "a.txt", "custom:header": "v"},
				Metrics: BlobMetrics{CreationTime: created, SHA256: "abc", Size: 42},
			},
		},
		{
			name: "soft-deleted blob",
			attrs: &Attributes{
				ID:            "id-2",
				Headers:       map[string]string{},
				Metrics:       BlobMetrics{CreationTime: created, SHA256: "def", Size: 0},
				Deleted:       true,
				DeletedReason: "expired",
				DeletedAt:     &deletedAt,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalAttributes(tt.attrs)
			require.NoError(t, err)

			got, err := UnmarshalAttributes(tt.attrs.ID, data)
			require.NoError(t, err)
			assert.Equal(t, tt.attrs, got)
		})
	}
}

func TestMarshalAttributes_FlatRecord(t *testing.T) {
	data, err := MarshalAttributes(&Attributes{
		Headers: map[string]string{HeaderBlobName: "a.txt"},
		Metrics: BlobMetrics{CreationTime: time.Unix(0, 0), Size: 3},
	})
	require.NoError(t, err)

	var props map[string]string
	require.NoError(t, json.Unmarshal(data, &props))
	assert.Equal(t, "a.txt", props["@BlobStore.blob-name"])
	assert.Equal(t, "1", props["version"])
	assert.Equal(t, "3", props["size"])
	assert.Equal(t, "false", props["deleted"])
	assert.NotContains(t, props, "deletedReason")
}

func TestUnmarshalAttributes_Corrupt(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"wrong version", `{"version":"9"}`},
		{"bad time", `{"version":"1","creationTime":"yesterday","size":"1","deleted":"false"}`},
		{"negative size", `{"version":"1","creationTime":"2024-01-01T00:00:00Z","size":"-1","deleted":"false"}`},
		{"bad deleted flag", `{"version":"1","creationTime":"2024-01-01T00:00:00Z","size":"1","deleted":"maybe"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalAttributes("id", []byte(tt.data))
			assert.ErrorIs(t, err, ErrAttributesCorrupt)
		})
	}
}
