// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configutil loads YAML configuration files, supporting an
// "extends" chain of base configs and struct-tag validation of the result.
package configutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when a config's extends chain refers back to
// itself.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

// ValidationError wraps a validator.ErrorMap produced by validating a loaded
// config.
type ValidationError struct {
	Errors validator.ErrorMap
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", v.Errors)
}

// ErrForField returns the validation errors for the given struct field name.
func (v ValidationError) ErrForField(name string) validator.ErrorArray {
	return v.Errors[name]
}

type extendsHolder struct {
	Extends string `yaml:"extends"`
}

func readExtends(filename string) (string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}
	var h extendsHolder
	if err := yaml.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("unmarshal %s: %s", filename, err)
	}
	return h.Extends, nil
}

// resolveExtends walks the extends chain starting at fpath, returning the
// files to be merged in order from most-base ancestor to fpath itself.
func resolveExtends(fpath string, readExtends func(string) (string, error)) ([]string, error) {
	var chain []string
	visited := make(map[string]bool)
	cur := fpath
	for {
		if visited[cur] {
			return nil, ErrCycleRef
		}
		visited[cur] = true
		chain = append(chain, cur)

		ext, err := readExtends(cur)
		if err != nil {
			return nil, err
		}
		if ext == "" {
			break
		}
		if !filepath.IsAbs(ext) {
			ext = filepath.Join(filepath.Dir(cur), ext)
		}
		cur = ext
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// loadFiles merges the given files, in order (later files override earlier
// ones), and unmarshals the result into out. It does not validate out.
func loadFiles(out interface{}, filenames []string) error {
	var merged interface{}
	for _, fn := range filenames {
		data, err := os.ReadFile(fn)
		if err != nil {
			return err
		}
		var m map[string]interface{}
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("unmarshal %s: %s", fn, err)
		}
		delete(m, "extends")
		merged = deepMerge(merged, m)
	}
	data, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal merged config: %s", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal merged config: %s", err)
	}
	return nil
}

func deepMerge(dst, src interface{}) interface{} {
	dm, dok := toStringMap(dst)
	sm, sok := toStringMap(src)
	if !dok || !sok {
		if src == nil {
			return dst
		}
		return src
	}
	merged := make(map[string]interface{}, len(dm))
	for k, v := range dm {
		merged[k] = v
	}
	for k, v := range sm {
		if existing, ok := merged[k]; ok {
			merged[k] = deepMerge(existing, v)
		} else {
			merged[k] = v
		}
	}
	return merged
}

func toStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// Load reads filename and any files in its "extends" chain, merges them
// (children override ancestors), unmarshals the result into out, and
// validates out via validator struct tags.
func Load(filename string, out interface{}) error {
	chain, err := resolveExtends(filename, readExtends)
	if err != nil {
		return err
	}
	if err := loadFiles(out, chain); err != nil {
		return err
	}
	if err := validator.Validate(out); err != nil {
		if verrs, ok := err.(validator.ErrorMap); ok {
			return ValidationError{verrs}
		}
		return err
	}
	return nil
}
