package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidKey is returned for malformed inputs and for keys that do not
// match the expected layout.
var ErrInvalidKey = errors.New("invalid key")

// ManifestPrefix is the reserved prefix for rollup manifests. It sorts
// outside any normalized collection name, so manifests never collide with
// item keys.
const ManifestPrefix = "__manifests__"

// normalize lowercases and trims a key component. Components must be
// non-empty and must not contain path separators.
func normalize(component string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(component))
	if c == "" || strings.Contains(c, "/") {
		return "", fmt.Errorf("%w: bad component %q", ErrInvalidKey, component)
	}
	return c, nil
}

// ItemKey builds the key for a versioned JSON snapshot:
// {collection}/{itemId}/v{ov}/item.json
func ItemKey(collection, itemID string, ov int64) (string, error) {
	coll, err := normalize(collection)
	if err != nil {
		return "", err
	}
	id, err := normalize(itemID)
	if err != nil {
		return "", err
	}
	if ov < 0 {
		return "", fmt.Errorf("%w: negative version %d", ErrInvalidKey, ov)
	}
	return fmt.Sprintf("%s/%s/v%d/item.json", coll, id, ov), nil
}

// PropBlobKey builds the key for an externalized binary property:
// {collection}/{property}/{itemId}/v{ov}/blob.bin
func PropBlobKey(collection, property, itemID string, ov int64) (string, error) {
	return propKey(collection, property, itemID, ov, "blob.bin")
}

// PropTextKey builds the key for the optional text rendition of an
// externalized property: {collection}/{property}/{itemId}/v{ov}/text.txt
func PropTextKey(collection, property, itemID string, ov int64) (string, error) {
	return propKey(collection, property, itemID, ov, "text.txt")
}

func propKey(collection, property, itemID string, ov int64, leaf string) (string, error) {
	coll, err := normalize(collection)
	if err != nil {
		return "", err
	}
	prop, err := normalize(property)
	if err != nil {
		return "", err
	}
	id, err := normalize(itemID)
	if err != nil {
		return "", err
	}
	if ov < 0 {
		return "", fmt.Errorf("%w: negative version %d", ErrInvalidKey, ov)
	}
	return fmt.Sprintf("%s/%s/%s/v%d/%s", coll, prop, id, ov, leaf), nil
}

// ItemPrefix returns the prefix covering every snapshot of an item, used by
// administrative sweeps after hard delete.
func ItemPrefix(collection, itemID string) (string, error) {
	coll, err := normalize(collection)
	if err != nil {
		return "", err
	}
	id, err := normalize(itemID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/", coll, id), nil
}

// PropPrefix returns the prefix covering every externalized version of one
// property of an item.
func PropPrefix(collection, property, itemID string) (string, error) {
	coll, err := normalize(collection)
	if err != nil {
		return "", err
	}
	prop, err := normalize(property)
	if err != nil {
		return "", err
	}
	id, err := normalize(itemID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/", coll, prop, id), nil
}

// ItemVersionPrefix returns the prefix covering one version of an item.
func ItemVersionPrefix(collection, itemID string, ov int64) (string, error) {
	p, err := ItemPrefix(collection, itemID)
	if err != nil {
		return "", err
	}
	if ov < 0 {
		return "", fmt.Errorf("%w: negative version %d", ErrInvalidKey, ov)
	}
	return fmt.Sprintf("%sv%d/", p, ov), nil
}

// ManifestKey builds the key for a rollup manifest snapshot:
// __manifests__/{collection}/{YYYY}/{MM}/snapshot-{cv}.json.gz
func ManifestKey(collection string, year, month int, cv int64) (string, error) {
	coll, err := normalize(collection)
	if err != nil {
		return "", err
	}
	if year < 0 || month < 1 || month > 12 || cv < 0 {
		return "", fmt.Errorf("%w: bad manifest coordinates %d/%d cv=%d", ErrInvalidKey, year, month, cv)
	}
	return fmt.Sprintf("%s/%s/%04d/%02d/snapshot-%d.json.gz", ManifestPrefix, coll, year, month, cv), nil
}

// ManifestMonthPrefix returns the prefix covering all manifests for a
// collection and month.
func ManifestMonthPrefix(collection string, year, month int) (string, error) {
	coll, err := normalize(collection)
	if err != nil {
		return "", err
	}
	if year < 0 || month < 1 || month > 12 {
		return "", fmt.Errorf("%w: bad manifest coordinates %d/%d", ErrInvalidKey, year, month)
	}
	return fmt.Sprintf("%s/%s/%04d/%02d/", ManifestPrefix, coll, year, month), nil
}

// ItemKeyParts holds the decomposition of a snapshot key.
type ItemKeyParts struct {
	Collection string
	ItemID     string
	OV         int64
}

// ParseItemKey inverts ItemKey.
func ParseItemKey(key string) (ItemKeyParts, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[3] != "item.json" {
		return ItemKeyParts{}, fmt.Errorf("%w: %q is not an item key", ErrInvalidKey, key)
	}
	ov, err := parseVersion(parts[2])
	if err != nil {
		return ItemKeyParts{}, err
	}
	if parts[0] == "" || parts[1] == "" {
		return ItemKeyParts{}, fmt.Errorf("%w: %q has empty components", ErrInvalidKey, key)
	}
	return ItemKeyParts{Collection: parts[0], ItemID: parts[1], OV: ov}, nil
}

// PropKeyParts holds the decomposition of an externalized property key.
type PropKeyParts struct {
	Collection string
	Property   string
	ItemID     string
	OV         int64
	Text       bool // true for text.txt renditions
}

// ParsePropKey inverts PropBlobKey and PropTextKey.
func ParsePropKey(key string) (PropKeyParts, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 {
		return PropKeyParts{}, fmt.Errorf("%w: %q is not a property key", ErrInvalidKey, key)
	}
	var text bool
	switch parts[4] {
	case "blob.bin":
	case "text.txt":
		text = true
	default:
		return PropKeyParts{}, fmt.Errorf("%w: %q has unexpected leaf %q", ErrInvalidKey, key, parts[4])
	}
	ov, err := parseVersion(parts[3])
	if err != nil {
		return PropKeyParts{}, err
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return PropKeyParts{}, fmt.Errorf("%w: %q has empty components", ErrInvalidKey, key)
	}
	return PropKeyParts{
		Collection: parts[0],
		Property:   parts[1],
		ItemID:     parts[2],
		OV:         ov,
		Text:       text,
	}, nil
}

// ManifestKeyParts holds the decomposition of a manifest key.
type ManifestKeyParts struct {
	Collection string
	Year       int
	Month      int
	CV         int64
}

// ParseManifestKey inverts ManifestKey.
func ParseManifestKey(key string) (ManifestKeyParts, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[0] != ManifestPrefix {
		return ManifestKeyParts{}, fmt.Errorf("%w: %q is not a manifest key", ErrInvalidKey, key)
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil || len(parts[2]) != 4 {
		return ManifestKeyParts{}, fmt.Errorf("%w: bad year in %q", ErrInvalidKey, key)
	}
	month, err := strconv.Atoi(parts[3])
	if err != nil || len(parts[3]) != 2 || month < 1 || month > 12 {
		return ManifestKeyParts{}, fmt.Errorf("%w: bad month in %q", ErrInvalidKey, key)
	}
	leaf := parts[4]
	if !strings.HasPrefix(leaf, "snapshot-") || !strings.HasSuffix(leaf, ".json.gz") {
		return ManifestKeyParts{}, fmt.Errorf("%w: bad manifest leaf in %q", ErrInvalidKey, key)
	}
	cvStr := strings.TrimSuffix(strings.TrimPrefix(leaf, "snapshot-"), ".json.gz")
	cv, err := strconv.ParseInt(cvStr, 10, 64)
	if err != nil || cv < 0 {
		return ManifestKeyParts{}, fmt.Errorf("%w: bad cv in %q", ErrInvalidKey, key)
	}
	if parts[1] == "" {
		return ManifestKeyParts{}, fmt.Errorf("%w: empty collection in %q", ErrInvalidKey, key)
	}
	return ManifestKeyParts{Collection: parts[1], Year: year, Month: month, CV: cv}, nil
}

func parseVersion(s string) (int64, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, fmt.Errorf("%w: bad version segment %q", ErrInvalidKey, s)
	}
	ov, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil || ov < 0 {
		return 0, fmt.Errorf("%w: bad version segment %q", ErrInvalidKey, s)
	}
	return ov, nil
}
