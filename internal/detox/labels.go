package detox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// loadLabels reads the output labels of a bundle, in logit order.
// label_map.json (a list or an index map) wins over config.json id2label.
func loadLabels(bundleDir string) ([]string, error) {
	if data, err := os.ReadFile(filepath.Join(bundleDir, "label_map.json")); err == nil {
		var list []string
		if err := json.Unmarshal(data, &list); err == nil {
			if len(list) == 0 {
				return nil, errors.New("label_map.json is empty")
			}
			return list, nil
		}
		var idMap map[string]string
		if err := json.Unmarshal(data, &idMap); err != nil {
			return nil, fmt.Errorf("decode label_map.json: %w", err)
		}
		return labelsFromIndexMap(idMap)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read label_map.json: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(bundleDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("no label_map.json or config.json in bundle")
		}
		return nil, fmt.Errorf("read config.json: %w", err)
	}
	var cfg struct {
		ID2Label map[string]string `json:"id2label"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config.json: %w", err)
	}
	return labelsFromIndexMap(cfg.ID2Label)
}

func labelsFromIndexMap(m map[string]string) ([]string, error) {
	if len(m) == 0 {
		return nil, errors.New("label map is empty")
	}
	out := make([]string, len(m))
	for k, v := range m {
		idx, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("invalid label index %q: %w", k, err)
		}
		if idx < 0 || idx >= len(m) {
			return nil, fmt.Errorf("label index %d out of range", idx)
		}
		out[idx] = v
	}
	for i, lbl := range out {
		if strings.TrimSpace(lbl) == "" {
			return nil, fmt.Errorf("label %d is empty", i)
		}
	}
	return out, nil
}
