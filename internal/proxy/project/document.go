package project

import (
	"encoding/json"

	"github.com/relaywire/proxycore/pkg/types"
)

// knownFields is the set of top-level JSON keys types.Project owns.
// Anything else present in a loaded document is preserved verbatim so an
// older or newer client's extra fields survive an intervening save by
// this process.
var knownFields = []string{
	"name", "created", "lastModified", "requests",
	"exclusionRules", "matchReplaceRules", "historyFilter",
	"hideStatic", "repeaterTabs",
}

// document is the in-memory, forward-compatible representation of one
// project file: the typed fields this process understands, plus
// whatever else rode along in the JSON.
type document struct {
	project *types.Project
	extra   map[string]json.RawMessage
}

func decodeDocument(data []byte) (*document, error) {
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(data, &extra); err != nil {
		return nil, err
	}

	var p types.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}

	for _, k := range knownFields {
		delete(extra, k)
	}

	return &document{project: &p, extra: extra}, nil
}

func encodeDocument(d *document) ([]byte, error) {
	known, err := json.Marshal(d.project)
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}

	merged := make(map[string]json.RawMessage, len(knownMap)+len(d.extra))
	for k, v := range d.extra {
		merged[k] = v
	}
	for k, v := range knownMap {
		merged[k] = v
	}

	return json.Marshal(merged)
}
