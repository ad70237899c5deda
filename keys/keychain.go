package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Keychain resolves encryption keypairs held by the local node.
type Keychain interface {
	// EncryptionKeypair returns the node's default keypair.
	EncryptionKeypair() *BoxKeypair
	// AnyKeypair returns a held keypair matching one of candidates.
	AnyKeypair(candidates []BoxPublicKey) (*BoxKeypair, bool)
}

// MemoryKeychain holds keypairs in memory. The first added keypair is the default.
type MemoryKeychain struct {
	mu    sync.RWMutex
	order []BoxPublicKey
	byPub map[BoxPublicKey]*BoxKeypair
}

func NewMemoryKeychain(kps ...*BoxKeypair) *MemoryKeychain {
	kc := &MemoryKeychain{byPub: make(map[BoxPublicKey]*BoxKeypair)}
	for _, kp := range kps {
		kc.Add(kp)
	}
	return kc
}

func (kc *MemoryKeychain) Add(kp *BoxKeypair) {
	if kp == nil {
		return
	}
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if _, ok := kc.byPub[kp.Public]; ok {
		return
	}
	kc.byPub[kp.Public] = kp
	kc.order = append(kc.order, kp.Public)
}

func (kc *MemoryKeychain) EncryptionKeypair() *BoxKeypair {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	if len(kc.order) == 0 {
		return nil
	}
	return kc.byPub[kc.order[0]]
}

func (kc *MemoryKeychain) AnyKeypair(candidates []BoxPublicKey) (*BoxKeypair, bool) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	for _, c := range candidates {
		if kp, ok := kc.byPub[c]; ok {
			return kp, true
		}
	}
	return nil, false
}

// FileKeychain stores seeds on the local filesystem and serves both signing
// identities and encryption keypairs derived from them.
//
// Layout: <dir>/<identifier>/root.key and <dir>/<identifier>/roles/<role>.key,
// each holding a hex-encoded 32-byte seed with mode 0600.
type FileKeychain struct {
	Directory string

	mu  sync.Mutex
	mem *MemoryKeychain
}

func DefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".peerlog", "keys"), nil
}

func NewFileKeychain(directory string) (*FileKeychain, error) {
	if directory == "" {
		var err error
		directory, err = DefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &FileKeychain{Directory: directory}, nil
}

func (ks *FileKeychain) rootPath(identifier string) string {
	return filepath.Join(ks.Directory, identifier, "root.key")
}

func (ks *FileKeychain) rolePath(identifier, role string) string {
	return filepath.Join(ks.Directory, identifier, "roles", role+".key")
}

func saveSeed(filePath string, seed []byte, overwrite bool) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", ed25519.SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(filePath, flags, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return file.Close()
}

func loadSeed(filePath string) ([]byte, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(string(data))
}

// Init creates a root seed for identifier. A nil seed is generated randomly.
func (ks *FileKeychain) Init(identifier string, seed []byte, overwrite bool) (PublicKey, error) {
	if err := CheckName(identifier); err != nil {
		return PublicKey{}, err
	}
	if seed == nil {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return PublicKey{}, err
		}
	}
	if err := saveSeed(ks.rootPath(identifier), seed, overwrite); err != nil {
		return PublicKey{}, err
	}
	ks.reset()
	s, err := NewEd25519Signer(seed)
	if err != nil {
		return PublicKey{}, err
	}
	return s.PublicKey(), nil
}

// DeriveRole stores a role seed derived from identifier's root seed.
func (ks *FileKeychain) DeriveRole(identifier, role string, overwrite bool) (PublicKey, error) {
	if err := CheckName(identifier); err != nil {
		return PublicKey{}, err
	}
	rootSeed, err := loadSeed(ks.rootPath(identifier))
	if err != nil {
		return PublicKey{}, err
	}
	roleSeed, err := DeriveSeed(rootSeed, role)
	if err != nil {
		return PublicKey{}, err
	}
	if err := saveSeed(ks.rolePath(identifier, role), roleSeed, overwrite); err != nil {
		return PublicKey{}, err
	}
	ks.reset()
	s, err := NewEd25519Signer(roleSeed)
	if err != nil {
		return PublicKey{}, err
	}
	return s.PublicKey(), nil
}

// Signer loads the signing identity for identifier (and optional role).
func (ks *FileKeychain) Signer(identifier, role string) (*Ed25519Signer, error) {
	seed, err := ks.seed(identifier, role)
	if err != nil {
		return nil, err
	}
	return NewEd25519Signer(seed)
}

// BoxKeypair loads the encryption keypair for identifier (and optional role).
func (ks *FileKeychain) BoxKeypair(identifier, role string) (*BoxKeypair, error) {
	seed, err := ks.seed(identifier, role)
	if err != nil {
		return nil, err
	}
	return BoxKeypairFromSeed(seed)
}

func (ks *FileKeychain) seed(identifier, role string) ([]byte, error) {
	if err := CheckName(identifier); err != nil {
		return nil, err
	}
	if role == "" {
		return loadSeed(ks.rootPath(identifier))
	}
	if err := CheckName(role); err != nil {
		return nil, err
	}
	return loadSeed(ks.rolePath(identifier, role))
}

// Identities lists identifiers and their roles in sorted order.
func (ks *FileKeychain) Identities() (map[string][]string, error) {
	entries, err := os.ReadDir(ks.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make(map[string][]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		identifier := entry.Name()
		var roles []string
		roleEntries, rerr := os.ReadDir(filepath.Join(ks.Directory, identifier, "roles"))
		if rerr == nil {
			for _, roleEntry := range roleEntries {
				if !roleEntry.IsDir() && strings.HasSuffix(roleEntry.Name(), ".key") {
					roles = append(roles, strings.TrimSuffix(roleEntry.Name(), ".key"))
				}
			}
			sort.Strings(roles)
		}
		out[identifier] = roles
	}
	return out, nil
}

func (ks *FileKeychain) reset() {
	ks.mu.Lock()
	ks.mem = nil
	ks.mu.Unlock()
}

func (ks *FileKeychain) load() (*MemoryKeychain, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.mem != nil {
		return ks.mem, nil
	}
	ids, err := ks.Identities()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ids))
	for id := range ids {
		names = append(names, id)
	}
	sort.Strings(names)
	mem := NewMemoryKeychain()
	for _, id := range names {
		for _, role := range append([]string{""}, ids[id]...) {
			kp, err := ks.BoxKeypair(id, role)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, err
			}
			mem.Add(kp)
		}
	}
	ks.mem = mem
	return mem, nil
}

func (ks *FileKeychain) EncryptionKeypair() *BoxKeypair {
	mem, err := ks.load()
	if err != nil {
		return nil
	}
	return mem.EncryptionKeypair()
}

func (ks *FileKeychain) AnyKeypair(candidates []BoxPublicKey) (*BoxKeypair, bool) {
	mem, err := ks.load()
	if err != nil {
		return nil, false
	}
	return mem.AnyKeypair(candidates)
}
