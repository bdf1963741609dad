package cache

import (
	"net/url"
	"testing"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "metadata document",
			key: Key{
				ServerURL: "https://gis.example.com/arcgis/rest/services/Parks/FeatureServer/0",
				Resource:  "metadata",
				Query:     url.Values{"f": {"json"}},
			},
			want: "grale:https://gis.example.com/arcgis/rest/services/Parks/FeatureServer/0:metadata:f=json",
		},
		{
			name: "trailing slash normalized",
			key: Key{
				ServerURL: "https://gis.example.com/arcgis/rest/",
				Resource:  "services",
			},
			want: "grale:https://gis.example.com/arcgis/rest:services",
		},
		{
			name: "query params sorted",
			key: Key{
				ServerURL: "https://x",
				Resource:  "count",
				Query:     url.Values{"where": {"1=1"}, "f": {"json"}, "returnCountOnly": {"true"}},
			},
			want: "grale:https://x:count:f=json:returnCountOnly=true:where=1=1",
		},
		{
			name: "empty key",
			key:  Key{},
			want: "grale",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyString_Deterministic(t *testing.T) {
	key := Key{
		ServerURL: "https://gis.example.com/rest",
		Resource:  "metadata",
		Query:     url.Values{"a": {"1"}, "b": {"2"}, "c": {"3"}, "d": {"4"}},
	}

	first := key.String()
	for i := 0; i < 20; i++ {
		if got := key.String(); got != first {
			t.Fatalf("String() not deterministic: %q vs %q", got, first)
		}
	}
}
