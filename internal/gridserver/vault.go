package gridserver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Vault holds the physical bytes of data objects, one file per object.
// Uploads are written to a part file and renamed into place on commit.
type Vault struct {
	dir   string
	owned bool
}

// OpenVault uses dir, or a fresh temporary directory when dir is empty.
func OpenVault(dir string) (*Vault, error) {
	if dir == "" {
		tmp, err := os.MkdirTemp("", "jargon-vault-*")
		if err != nil {
			return nil, fmt.Errorf("create vault: %w", err)
		}
		return &Vault{dir: tmp, owned: true}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vault %s: %w", dir, err)
	}
	return &Vault{dir: dir}, nil
}

// Dir returns the vault directory.
func (v *Vault) Dir() string { return v.dir }

func (v *Vault) objectFile(objPath string) string {
	sum := sha256.Sum256([]byte(objPath))
	return filepath.Join(v.dir, hex.EncodeToString(sum[:]))
}

func (v *Vault) partFile(transferID string) string {
	return filepath.Join(v.dir, transferID+".part")
}

// CreatePart creates the part file an upload writes into.
func (v *Vault) CreatePart(transferID string, size int64) (*os.File, error) {
	f, err := os.OpenFile(v.partFile(transferID), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create part file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size part file: %w", err)
	}
	return f, nil
}

// Commit moves an upload's part file into place as objPath's bytes.
func (v *Vault) Commit(transferID, objPath string) error {
	if err := os.Rename(v.partFile(transferID), v.objectFile(objPath)); err != nil {
		return fmt.Errorf("commit %s: %w", objPath, err)
	}
	return nil
}

// Discard removes an upload's part file.
func (v *Vault) Discard(transferID string) {
	_ = os.Remove(v.partFile(transferID))
}

// Open opens objPath's bytes for reading.
func (v *Vault) Open(objPath string) (*os.File, error) {
	f, err := os.Open(v.objectFile(objPath))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", objPath, err)
	}
	return f, nil
}

// Close removes the vault directory if OpenVault created it.
func (v *Vault) Close() error {
	if !v.owned {
		return nil
	}
	return os.RemoveAll(v.dir)
}
