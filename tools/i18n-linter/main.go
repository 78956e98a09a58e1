// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// i18n-linter checks that every message ID passed to i18n.T or i18n.TIn
// exists in each locale catalog under internal/i18n/locales, and lists
// catalog entries no code refers to.
//
// Usage (from the repository root):
//
//	go run ./tools/i18n-linter
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	localesDir    = "internal/i18n/locales"
	primaryLocale = "en.yaml"
)

// Location stores the file and line number of a found key.
type Location struct {
	Filepath string
	Line     int
}

var usedKeyRe = regexp.MustCompile(`i18n\.T(?:In)?\((?:[A-Za-z_][A-Za-z0-9_.]*,\s*)?"([a-z0-9_]+(?:\.[a-z0-9_]+)+)"`)

func main() {
	os.Exit(run(".", os.Stdout))
}

// run lints the tree at root and returns the process exit code.
func run(root string, out io.Writer) int {
	fmt.Fprintln(out, "Running i18n linter...")

	used, err := findUsedKeys(root)
	if err != nil {
		fmt.Fprintf(out, "error scanning sources: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "Found %d translation keys in source code.\n", len(used))

	dir := filepath.Join(root, localesDir)
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil || len(files) == 0 {
		fmt.Fprintf(out, "no locale files in %s\n", dir)
		return 1
	}
	sort.Strings(files)

	primary, err := loadKeysFromLocale(filepath.Join(dir, primaryLocale))
	if err != nil {
		fmt.Fprintf(out, "error loading primary locale %s: %v\n", primaryLocale, err)
		return 1
	}

	failed := false
	for _, file := range files {
		keys, err := loadKeysFromLocale(file)
		if err != nil {
			fmt.Fprintf(out, "error loading %s: %v\n", file, err)
			failed = true
			continue
		}
		missing := missingKeys(used, keys)
		if filepath.Base(file) != primaryLocale {
			for k := range primary {
				if _, ok := keys[k]; !ok {
					missing = append(missing, k)
				}
			}
			sort.Strings(missing)
			missing = slices.Compact(missing)
		}
		fmt.Fprintf(out, "\n%s:\n", filepath.Base(file))
		if len(missing) == 0 {
			fmt.Fprintln(out, "  all keys present")
			continue
		}
		failed = true
		for _, k := range missing {
			if locs, ok := used[k]; ok {
				fmt.Fprintf(out, "  - missing: %s (used in %s:%d)\n", k, locs[0].Filepath, locs[0].Line)
			} else {
				fmt.Fprintf(out, "  - missing: %s\n", k)
			}
		}
	}

	var orphaned []string
	for k := range primary {
		if _, ok := used[k]; !ok {
			orphaned = append(orphaned, k)
		}
	}
	sort.Strings(orphaned)
	if len(orphaned) > 0 {
		fmt.Fprintln(out, "\nOrphaned keys (present in the catalog, unused in code):")
		for _, k := range orphaned {
			fmt.Fprintf(out, "  - %s\n", k)
		}
	}

	if failed {
		fmt.Fprintln(out, "\nFound missing translations.")
		return 1
	}
	fmt.Fprintln(out, "\nAll translation files are consistent.")
	return 0
}

// findUsedKeys scans non-test Go files below root for literal message IDs.
// Directories starting with '.' or '_', testdata and tools are skipped.
func findUsedKeys(root string) (map[string][]Location, error) {
	keys := make(map[string][]Location)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "testdata" || name == "tools") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for i, line := range strings.Split(string(content), "\n") {
			for _, m := range usedKeyRe.FindAllStringSubmatch(line, -1) {
				keys[m[1]] = append(keys[m[1]], Location{Filepath: path, Line: i + 1})
			}
		}
		return nil
	})
	return keys, err
}

func missingKeys(used map[string][]Location, have map[string]struct{}) []string {
	var missing []string
	for k := range used {
		if _, ok := have[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)
	return missing
}

// loadKeysFromLocale reads a YAML catalog and returns its message IDs.
// Nested maps are flattened with dots, so both layouts are accepted.
func loadKeysFromLocale(path string) (map[string]struct{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, err
	}
	keys := make(map[string]struct{})
	flattenYAML("", data, keys)
	return keys, nil
}

func flattenYAML(prefix string, node any, keys map[string]struct{}) {
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenYAML(p, val, keys)
		}
	default:
		if prefix != "" {
			keys[prefix] = struct{}{}
		}
	}
}
