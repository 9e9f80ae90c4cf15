package recordkv

// options_file.go persists EnvironmentOptions as YAML.
//
// Format:
//
//	engine: pebble
//	home_dir: /var/lib/app/records
//	transactional: true
//	lock_timeout: 5s
//	log_level: warn
//	compression: snappy
//	tables:
//	  - name: accounts
//	    type: btree
//	    max_deadlock_retries: 3
//	    create: true
//	  - name: events
//	    type: queue
//	    record_length: 64
//
// Fields that cannot be serialized (Environment, Logger, Statistics) are
// left unset by LoadOptionsFile.

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadOptionsFile reads options from a YAML file. Fields missing from the
// file keep the values of DefaultEnvironmentOptions.
func LoadOptionsFile(path string) (*EnvironmentOptions, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseOptions(b)
}

// ParseOptions decodes YAML options. Unknown fields are rejected.
func ParseOptions(b []byte) (*EnvironmentOptions, error) {
	opts := DefaultEnvironmentOptions()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// WriteOptionsFile writes opts to path as YAML, replacing the file.
func WriteOptionsFile(path string, opts *EnvironmentOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	b, err := yaml.Marshal(opts)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
