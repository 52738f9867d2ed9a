package keys

import (
	"errors"
	"testing"
)

// TestItemKey tests snapshot key composition and normalization
func TestItemKey(t *testing.T) {
	tests := []struct {
		name       string
		collection string
		itemID     string
		ov         int64
		want       string
		wantErr    bool
	}{
		{
			name:       "simple",
			collection: "users",
			itemID:     "65f1a2b3c4d5e6f7a8b9c0d1",
			ov:         0,
			want:       "users/65f1a2b3c4d5e6f7a8b9c0d1/v0/item.json",
		},
		{
			name:       "normalized to lowercase and trimmed",
			collection: "  Users ",
			itemID:     "ABCDEF001122334455667788",
			ov:         12,
			want:       "users/abcdef001122334455667788/v12/item.json",
		},
		{
			name:       "empty collection",
			collection: "",
			itemID:     "abc",
			ov:         0,
			wantErr:    true,
		},
		{
			name:       "negative version",
			collection: "users",
			itemID:     "abc",
			ov:         -1,
			wantErr:    true,
		},
		{
			name:       "component with slash",
			collection: "users/evil",
			itemID:     "abc",
			ov:         0,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ItemKey(tt.collection, tt.itemID, tt.ov)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidKey) {
					t.Errorf("ItemKey() error = %v, want ErrInvalidKey", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ItemKey() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ItemKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestItemKeyRoundTrip verifies parse inverts build
func TestItemKeyRoundTrip(t *testing.T) {
	key, err := ItemKey("orders", "65f1a2b3c4d5e6f7a8b9c0d1", 42)
	if err != nil {
		t.Fatalf("ItemKey() error: %v", err)
	}
	parts, err := ParseItemKey(key)
	if err != nil {
		t.Fatalf("ParseItemKey() error: %v", err)
	}
	if parts.Collection != "orders" || parts.ItemID != "65f1a2b3c4d5e6f7a8b9c0d1" || parts.OV != 42 {
		t.Errorf("ParseItemKey() = %+v", parts)
	}
}

// TestPropKeyRoundTrip verifies blob and text property keys round-trip
func TestPropKeyRoundTrip(t *testing.T) {
	blob, err := PropBlobKey("docs", "attachment", "65f1a2b3c4d5e6f7a8b9c0d1", 3)
	if err != nil {
		t.Fatalf("PropBlobKey() error: %v", err)
	}
	if blob != "docs/attachment/65f1a2b3c4d5e6f7a8b9c0d1/v3/blob.bin" {
		t.Errorf("PropBlobKey() = %q", blob)
	}

	parts, err := ParsePropKey(blob)
	if err != nil {
		t.Fatalf("ParsePropKey() error: %v", err)
	}
	if parts.Property != "attachment" || parts.OV != 3 || parts.Text {
		t.Errorf("ParsePropKey() = %+v", parts)
	}

	text, err := PropTextKey("docs", "attachment", "65f1a2b3c4d5e6f7a8b9c0d1", 3)
	if err != nil {
		t.Fatalf("PropTextKey() error: %v", err)
	}
	tparts, err := ParsePropKey(text)
	if err != nil {
		t.Fatalf("ParsePropKey() error: %v", err)
	}
	if !tparts.Text {
		t.Error("ParsePropKey() text rendition not detected")
	}
}

// TestManifestKeyRoundTrip verifies manifest keys round-trip
func TestManifestKeyRoundTrip(t *testing.T) {
	key, err := ManifestKey("users", 2026, 8, 1234)
	if err != nil {
		t.Fatalf("ManifestKey() error: %v", err)
	}
	if key != "__manifests__/users/2026/08/snapshot-1234.json.gz" {
		t.Errorf("ManifestKey() = %q", key)
	}

	parts, err := ParseManifestKey(key)
	if err != nil {
		t.Fatalf("ParseManifestKey() error: %v", err)
	}
	if parts.Collection != "users" || parts.Year != 2026 || parts.Month != 8 || parts.CV != 1234 {
		t.Errorf("ParseManifestKey() = %+v", parts)
	}
}

// TestParseRejectsForeignKeys ensures parsers fail fast on foreign layouts
func TestParseRejectsForeignKeys(t *testing.T) {
	bad := []string{
		"",
		"users/abc/v1/other.json",
		"users/abc/1/item.json",
		"users/abc/v-1/item.json",
		"users/prop/abc/v1/item.json",
		"__manifests__/users/26/08/snapshot-1.json.gz",
		"__manifests__/users/2026/13/snapshot-1.json.gz",
	}
	for _, key := range bad {
		if _, err := ParseItemKey(key); err == nil {
			if _, err2 := ParsePropKey(key); err2 == nil {
				t.Errorf("key %q parsed as both item and prop key", key)
			}
		}
		if _, err := ParseManifestKey(key); err == nil && key != "" {
			// manifest parser must only accept manifest-shaped keys
			if _, perr := ParseItemKey(key); perr == nil {
				t.Errorf("key %q accepted by multiple parsers", key)
			}
		}
	}

	if _, err := ParseManifestKey("__manifests__/users/2026/13/snapshot-1.json.gz"); err == nil {
		t.Error("ParseManifestKey() accepted month 13")
	}
	if _, err := ParseItemKey("users/abc/v-1/item.json"); err == nil {
		t.Error("ParseItemKey() accepted negative version")
	}
}

// TestPrefixes tests sweep prefixes used by hard-delete cleanup
func TestPrefixes(t *testing.T) {
	p, err := ItemPrefix("users", "abc")
	if err != nil {
		t.Fatalf("ItemPrefix() error: %v", err)
	}
	if p != "users/abc/" {
		t.Errorf("ItemPrefix() = %q", p)
	}

	vp, err := ItemVersionPrefix("users", "abc", 7)
	if err != nil {
		t.Fatalf("ItemVersionPrefix() error: %v", err)
	}
	if vp != "users/abc/v7/" {
		t.Errorf("ItemVersionPrefix() = %q", vp)
	}
}
