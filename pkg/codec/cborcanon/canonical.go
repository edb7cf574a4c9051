// Package cborcanon encodes the records meshwire keeps on disk (identity
// files and peer table snapshots) as canonical CBOR and writes them
// atomically with owner-only permissions.
package cborcanon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cborcanon: encode mode: %v", err))
	}

	// Records are written by this program only, so anything unexpected is
	// corruption or tampering
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cborcanon: decode mode: %v", err))
	}
}

// Marshal encodes v in CTAP2 canonical form: equal values give equal bytes
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a record, rejecting duplicate map keys and fields that v
// does not declare
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// IsCanonical reports whether data is well-formed CBOR already in canonical
// form
func IsCanonical(data []byte) bool {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return false
	}
	again, err := encMode.Marshal(v)
	return err == nil && bytes.Equal(data, again)
}

// WriteFile replaces name with data. The bytes go to a temporary file in the
// same directory first, so a crash never leaves a truncated record. Missing
// directories are created 0700 and the file is 0600.
func WriteFile(name string, data []byte) error {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}

// Save encodes v and writes it to name with WriteFile
func Save(name string, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(name), err)
	}
	return WriteFile(name, data)
}

// Load reads name and decodes it into v. A missing file is reported with an
// error matching os.ErrNotExist.
func Load(name string, v any) error {
	data, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(name), err)
	}
	return nil
}
