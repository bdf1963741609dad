package esri

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Services walks a REST endpoint's service directory and returns the full
// service definitions keyed by service URL. Traversal covers the top-level
// directory and every folder, or only the directories named in dirs; an
// empty serviceTypes list accepts every service type (MapServer,
// FeatureServer, ...).
func (s *Service) Services(ctx context.Context, rootURL string, serviceTypes, dirs []string) (map[string]json.RawMessage, error) {
	rootURL = strings.TrimRight(rootURL, "/")
	jsonParams := url.Values{"f": {"json"}}

	body, err := s.cachedFetch(ctx, rootURL+"/services", "services", jsonParams)
	if err != nil {
		return nil, fmt.Errorf("service directory %s: %w", rootURL, err)
	}
	var root catalogRoot
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("parse service directory %s: %w", rootURL, err)
	}

	var rootDirs []string
	if len(root.Services) > 0 && (len(dirs) == 0 || contains(dirs, "services")) {
		rootDirs = append(rootDirs, "services")
	}
	for _, folder := range root.Folders {
		if len(dirs) == 0 || contains(dirs, folder) {
			rootDirs = append(rootDirs, folder)
		}
	}

	defs := make(map[string]json.RawMessage)
	for _, dir := range rootDirs {
		listURL := rootURL + "/services"
		if dir != "services" {
			listURL += "/" + dir
		}

		listing, err := s.cachedFetch(ctx, listURL, "services", jsonParams)
		if err != nil {
			return nil, fmt.Errorf("service directory %s: %w", listURL, err)
		}
		var parsed catalogRoot
		if err := json.Unmarshal(listing, &parsed); err != nil {
			return nil, fmt.Errorf("parse service directory %s: %w", listURL, err)
		}

		for _, svc := range parsed.Services {
			if len(serviceTypes) > 0 && !contains(serviceTypes, svc.Type) {
				continue
			}
			svcURL := fmt.Sprintf("%s/services/%s/%s", rootURL, svc.Name, svc.Type)
			def, err := s.cachedFetch(ctx, svcURL, "metadata", jsonParams)
			if err != nil {
				return nil, fmt.Errorf("service definition %s: %w", svcURL, err)
			}
			defs[svcURL] = def
		}
	}
	return defs, nil
}

// DataSources extracts the individual data sources (layers and tables) from
// service definitions, keyed by data source URL.
func (s *Service) DataSources(serviceDefs map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	type rawDef struct {
		Layers []json.RawMessage `json:"layers"`
		Tables []json.RawMessage `json:"tables"`
	}

	sources := make(map[string]json.RawMessage)
	for svcURL, def := range serviceDefs {
		var parsed rawDef
		if err := json.Unmarshal(def, &parsed); err != nil {
			return nil, fmt.Errorf("parse service definition %s: %w", svcURL, err)
		}
		for _, raw := range append(parsed.Layers, parsed.Tables...) {
			var ref dataSourceRef
			if err := json.Unmarshal(raw, &ref); err != nil {
				return nil, fmt.Errorf("parse data source in %s: %w", svcURL, err)
			}
			sources[fmt.Sprintf("%s/%d", svcURL, ref.ID)] = raw
		}
	}
	return sources, nil
}

// DataSourceDefs resolves each data source to its full source definition
// document, pairing it with the basic properties from the service
// definition.
func (s *Service) DataSourceDefs(ctx context.Context, dataSources map[string]json.RawMessage) (map[string]DataSourceDef, error) {
	jsonParams := url.Values{"f": {"json"}}

	defs := make(map[string]DataSourceDef, len(dataSources))
	for srcURL, props := range dataSources {
		body, err := s.cachedFetch(ctx, srcURL, "metadata", jsonParams)
		if err != nil {
			return nil, fmt.Errorf("data source definition %s: %w", srcURL, err)
		}
		defs[srcURL] = DataSourceDef{
			Properties:       props,
			SourceDefinition: body,
		}
	}
	return defs, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
