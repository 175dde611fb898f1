// Package payload maps submitted build payloads onto process environments,
// template parameters and files inside the project root.
package payload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"buildhook/internal/config"
)

// ErrUnsafePath is returned when a path resolves outside the project root.
var ErrUnsafePath = errors.New("path is not secure")

var placeholder = regexp.MustCompile(`\{([^}]+)\}`)

// Substitute replaces every {key} in template with params[key]. Unknown
// placeholders are left verbatim so the shell reports them.
func Substitute(template string, params map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := params[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

// SecureJoin joins rel onto root and returns the canonical result. Both
// sides are resolved through symlinks; the result must be a strict
// descendant of root. Path components that do not exist yet are allowed so
// new files can be created.
func SecureJoin(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	base, err := resolve(absRoot)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}

	full, err := resolve(filepath.Join(base, rel))
	if err != nil {
		return "", err
	}

	if full == base || !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrUnsafePath, rel, root)
	}
	return full, nil
}

// resolve canonicalises p, following symlinks on its longest existing
// prefix and appending the remaining components unchanged. A dangling
// symlink is rejected since writing through it could land anywhere.
func resolve(p string) (string, error) {
	cur := filepath.Clean(p)
	var rest []string
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: dangling symlink %s", ErrUnsafePath, cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return filepath.Join(append([]string{cur}, rest...)...), nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// Missing returns the first declared key absent from payload.
func Missing(payload map[string]string, specs []config.Payload) (string, bool) {
	for _, spec := range specs {
		if _, ok := payload[spec.Key1]; !ok {
			return spec.Key1, true
		}
	}
	return "", false
}

// CheckFiles verifies that every file entry targets a path inside root.
func CheckFiles(root string, specs []config.Payload) error {
	for _, spec := range specs {
		if spec.Type != config.PayloadFile {
			continue
		}
		if _, err := SecureJoin(root, spec.Target()); err != nil {
			return err
		}
	}
	return nil
}

// Extract partitions the declared entries: env entries become environment
// variables under their target name, param entries become template
// parameters under their source key. Absent values are skipped.
func Extract(payload map[string]string, specs []config.Payload) (env, params map[string]string) {
	env = make(map[string]string)
	params = make(map[string]string)
	for _, spec := range specs {
		value, ok := payload[spec.Key1]
		if !ok {
			continue
		}
		switch spec.Type {
		case config.PayloadEnv:
			env[spec.Target()] = value
		case config.PayloadParam:
			params[spec.Key1] = value
		}
	}
	return env, params
}

// Materialize writes every file entry's content to its target under root,
// creating parent directories and overwriting existing files.
func Materialize(root string, payload map[string]string, specs []config.Payload) error {
	for _, spec := range specs {
		if spec.Type != config.PayloadFile {
			continue
		}
		content, ok := payload[spec.Key1]
		if !ok {
			continue
		}
		path, err := SecureJoin(root, spec.Target())
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create directories for %s: %w", spec.Target(), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write payload file %s: %w", spec.Target(), err)
		}
	}
	return nil
}

// Collect assembles the output payload. File entries read the target file
// under root and are stored under Key1; other entries copy the value named
// by their target from payload. Missing files and values are skipped.
func Collect(root string, payload map[string]string, specs []config.Payload) map[string]string {
	out := make(map[string]string)
	for _, spec := range specs {
		if spec.Type == config.PayloadFile {
			path, err := SecureJoin(root, spec.Target())
			if err != nil {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			out[spec.Key1] = string(data)
			continue
		}
		name := spec.Target()
		if value, ok := payload[name]; ok {
			out[name] = value
		}
	}
	return out
}
