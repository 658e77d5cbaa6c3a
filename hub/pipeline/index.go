package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// UnmarshalJSON keeps every key not prefixed with "_" whose value is a
// [library, class] pair. Flags such as requires_safety_checker and disabled
// components ([null, null]) are dropped.
func (m *ModelIndex) UnmarshalJSON(data []byte) error {
	type tempIndex struct {
		ClassName        string `json:"_class_name"`
		DiffusersVersion string `json:"_diffusers_version,omitempty"`
	}

	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	var temp tempIndex
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	m.ClassName = temp.ClassName
	m.DiffusersVersion = temp.DiffusersVersion
	m.Components = make(map[string]ModelComponent)

	for key, value := range rawMap {
		if strings.HasPrefix(key, "_") {
			continue
		}

		var pair []*string
		if err := json.Unmarshal(value, &pair); err != nil {
			continue
		}
		if len(pair) != 2 || pair[0] == nil || pair[1] == nil {
			continue
		}
		m.Components[key] = ModelComponent{LibraryName: *pair[0], ClassName: *pair[1]}
	}

	return nil
}

// ComponentNames returns the component names in sorted order.
func (m *ModelIndex) ComponentNames() []string {
	names := make([]string, 0, len(m.Components))
	for name := range m.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadModelIndex reads and parses a model_index.json file.
func LoadModelIndex(path string) (*ModelIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model index: %w", err)
	}

	var index ModelIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model index: %w", err)
	}

	return &index, nil
}
