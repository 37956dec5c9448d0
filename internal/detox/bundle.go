package detox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrBundleStateNotFound is returned when state.json is missing.
var ErrBundleStateNotFound = errors.New("model bundle state not found")

// BundleState tracks the active and previous bundle versions of one variant.
type BundleState struct {
	CurrentVersion  string `json:"current_version"`
	PreviousVersion string `json:"previous_version,omitempty"`
}

// ManifestFile describes one file entry in manifest.json.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest mirrors manifest.json.
type Manifest struct {
	Model   string         `json:"model"`
	Version string         `json:"version"`
	Files   []ManifestFile `json:"files"`
}

// LoadBundleState reads <variantDir>/state.json.
func LoadBundleState(variantDir string) (BundleState, error) {
	variantDir = strings.TrimSpace(variantDir)
	if variantDir == "" {
		return BundleState{}, errors.New("variant dir is empty")
	}

	data, err := os.ReadFile(filepath.Join(variantDir, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return BundleState{}, ErrBundleStateNotFound
		}
		return BundleState{}, fmt.Errorf("read bundle state: %w", err)
	}

	var state BundleState
	if err := json.Unmarshal(data, &state); err != nil {
		return BundleState{}, fmt.Errorf("decode bundle state: %w", err)
	}
	state.CurrentVersion = strings.TrimSpace(state.CurrentVersion)
	state.PreviousVersion = strings.TrimSpace(state.PreviousVersion)
	return state, nil
}

// BundleCandidates lists the directories to try for a variant, in order.
// With state.json that is the current version then the previous one;
// without it the variant directory itself.
func BundleCandidates(modelsDir, variant string) ([]string, error) {
	variantDir, err := resolveBundlePath(modelsDir, variant)
	if err != nil {
		return nil, fmt.Errorf("variant %q: %w", variant, err)
	}

	state, err := LoadBundleState(variantDir)
	if errors.Is(err, ErrBundleStateNotFound) {
		return []string{variantDir}, nil
	}
	if err != nil {
		return nil, err
	}
	if state.CurrentVersion == "" {
		return nil, fmt.Errorf("bundle state in %s has no current_version", variantDir)
	}

	var out []string
	for _, v := range []string{state.CurrentVersion, state.PreviousVersion} {
		if v == "" {
			continue
		}
		dir, err := resolveBundlePath(variantDir, v)
		if err != nil {
			return nil, fmt.Errorf("version %q: %w", v, err)
		}
		out = append(out, dir)
	}
	return out, nil
}

// resolveBundlePath joins rel onto base, rejecting absolute paths and any
// path that escapes base.
func resolveBundlePath(base, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", errors.New("path is empty")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("absolute path %q not allowed", rel)
	}
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes bundle", rel)
	}
	return filepath.Join(base, cleaned), nil
}

// modelFile picks model.int8.onnx over model.onnx.
func modelFile(bundleDir string) (string, error) {
	for _, name := range []string{"model.int8.onnx", "model.onnx"} {
		p := filepath.Join(bundleDir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("model file missing in %s (model.int8.onnx or model.onnx)", bundleDir)
}

// VerifyBundle checks every file listed in manifest.json against its size
// and sha256. A bundle without manifest.json fails verification.
func VerifyBundle(bundleDir string) error {
	data, err := os.ReadFile(filepath.Join(bundleDir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}
	if len(manifest.Files) == 0 {
		return errors.New("manifest lists no files")
	}

	for _, f := range manifest.Files {
		local, err := resolveBundlePath(bundleDir, f.Path)
		if err != nil {
			return fmt.Errorf("resolve path %s: %w", f.Path, err)
		}
		info, err := os.Stat(local)
		if err != nil {
			return fmt.Errorf("stat %s: %w", f.Path, err)
		}
		if f.Size > 0 && info.Size() != f.Size {
			return fmt.Errorf("size mismatch for %s: expected %d got %d", f.Path, f.Size, info.Size())
		}
		if f.SHA256 == "" {
			continue
		}
		sum, err := fileSHA256(local)
		if err != nil {
			return fmt.Errorf("hash %s: %w", f.Path, err)
		}
		if !strings.EqualFold(sum, f.SHA256) {
			return fmt.Errorf("sha256 mismatch for %s: expected %s got %s", f.Path, f.SHA256, sum)
		}
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
