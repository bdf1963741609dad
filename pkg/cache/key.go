package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key identifies a cached service document.
type Key struct {
	// ServerURL is the service or layer endpoint URL, scheme included.
	ServerURL string

	// Resource names the document kind (e.g. "metadata", "services",
	// "count").
	Resource string

	// Query holds the request parameters that shape the document.
	Query url.Values
}

// String generates a deterministic cache key string.
// Format: grale:<url>:<resource>:q1=v1:q2=v2
//
// Example:
//
//	grale:https://gis.example.com/arcgis/rest/services/Parks/FeatureServer/0:metadata:f=json
func (k Key) String() string {
	parts := []string{"grale"}

	server := strings.TrimRight(k.ServerURL, "/")
	if server != "" {
		parts = append(parts, server)
	}
	if k.Resource != "" {
		parts = append(parts, k.Resource)
	}

	// Query params sorted for determinism.
	if len(k.Query) > 0 {
		keys := make([]string, 0, len(k.Query))
		for key := range k.Query {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.Query.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}
