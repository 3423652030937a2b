package kvstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/patrykniedzwiecki/device-profile-core/pkg/encryption"
	"github.com/patrykniedzwiecki/device-profile-core/pkg/logger"
)

const backupMagic = "PROFILED_BACKUP"

// BackupMeta is the plaintext header of one encrypted backup file.
type BackupMeta struct {
	Algo            string `json:"algo"`              // AES-256-GCM
	NonceB64        string `json:"nonce_b64"`         // base64 nonce
	CreatedAt       string `json:"created_at"`        // RFC3339
	Since           uint64 `json:"since"`             // input watermark
	NextSince       uint64 `json:"next_since"`        // output watermark
	EncryptionKeyID string `json:"encryption_key_id"` // sha256(key) prefix
}

// BackupVersionInfo tracks the incremental backup chain.
type BackupVersionInfo struct {
	Version   uint64 `json:"version"`    // Human-readable counter
	Since     uint64 `json:"since"`      // Badger internal backup offset
	UpdatedAt string `json:"updated_at"` // RFC3339
}

// BackupExecutor writes encrypted incremental backups of one profile
// store and can replay them into a fresh directory.
type BackupExecutor struct {
	DeviceID            string
	BackupEncryptionKey []byte
	BackupDir           string

	db *badger.DB
}

// NewBackupExecutor creates a backup executor for store. The store must
// come from a BadgerStoreManager. A nil store yields a restore-only
// executor.
func NewBackupExecutor(deviceID string, store SingleStore, backupEncryptionKey []byte, backupDir string) (*BackupExecutor, error) {
	if backupDir == "" {
		return nil, errors.New("backup directory not provided")
	}
	if len(backupEncryptionKey) == 0 {
		return nil, errors.New("backup encryption key not provided")
	}
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	var db *badger.DB
	if store != nil {
		backed, ok := store.(*badgerSingleStore)
		if !ok {
			return nil, fmt.Errorf("store of type %T is not badger-backed", store)
		}
		db = backed.db
	}

	return &BackupExecutor{
		DeviceID:            deviceID,
		BackupEncryptionKey: backupEncryptionKey,
		BackupDir:           backupDir,
		db:                  db,
	}, nil
}

// Execute writes one encrypted incremental backup covering everything
// since the previous run. Runs with no changes are skipped.
func (b *BackupExecutor) Execute() error {
	if b.db == nil {
		return errors.New("backup executor has no open store")
	}

	info, err := b.LoadVersionInfo()
	if err != nil {
		return fmt.Errorf("failed to load version info: %w", err)
	}

	since := info.Since
	version := info.Version + 1
	now := time.Now()
	filename := fmt.Sprintf("backup-%s-%s-%d.enc", b.DeviceID, now.Format("2006-01-02_15-04-05"), version)
	outPath := filepath.Join(b.BackupDir, filename)

	var plain bytes.Buffer
	nextSince, err := b.db.Backup(&plain, since)
	if err != nil {
		return err
	}

	if plain.Len() == 0 || nextSince == since {
		logger.Debug("No changes since last backup, skipping")
		return nil
	}

	ct, nonce, err := encryption.EncryptAESGCM(plain.Bytes(), b.BackupEncryptionKey)
	if err != nil {
		return err
	}

	meta := BackupMeta{
		Algo:            "AES-256-GCM",
		NonceB64:        base64.StdEncoding.EncodeToString(nonce),
		CreatedAt:       now.Format(time.RFC3339),
		Since:           since,
		NextSince:       nextSince,
		EncryptionKeyID: fmt.Sprintf("%x", sha256.Sum256(b.BackupEncryptionKey))[:16],
	}

	metaJSON, _ := json.Marshal(meta)
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(backupMagic)); err != nil {
		return err
	}
	if err := binary.Write(f, binary.BigEndian, uint32(len(metaJSON))); err != nil {
		return err
	}
	if _, err := f.Write(metaJSON); err != nil {
		return err
	}
	if _, err := f.Write(ct); err != nil {
		return err
	}

	logger.Info("Encrypted backup written", "file", filename, "version", version)
	if err := b.SaveVersionInfo(version, nextSince); err != nil {
		logger.Warn("Failed to save latest.version", "error", err.Error())
	}

	return nil
}

func (b *BackupExecutor) SaveVersionInfo(version, since uint64) error {
	info := BackupVersionInfo{
		Version:   version,
		Since:     since,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	versionFile := filepath.Join(b.BackupDir, "latest.version")
	return os.WriteFile(versionFile, data, 0600)
}

func (b *BackupExecutor) LoadVersionInfo() (BackupVersionInfo, error) {
	var info BackupVersionInfo
	versionFile := filepath.Join(b.BackupDir, "latest.version")
	data, err := os.ReadFile(versionFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// First backup of this store
			return BackupVersionInfo{
				Version:   0,
				Since:     0,
				UpdatedAt: time.Now().Format(time.RFC3339),
			}, nil
		}
		return info, err
	}
	err = json.Unmarshal(data, &info)
	return info, err
}

// SortedEncryptedBackups lists the backup chain in replay order.
func (b *BackupExecutor) SortedEncryptedBackups() []string {
	files, _ := filepath.Glob(filepath.Join(b.BackupDir, "backup-*.enc"))
	sort.Strings(files)
	return files
}

// RestoreAll replays every backup file into a fresh store directory.
// storeEncryptionKey must match the key the restored store will be
// opened with; empty means unencrypted.
func (b *BackupExecutor) RestoreAll(restorePath string, storeEncryptionKey []byte) error {
	if err := os.MkdirAll(restorePath, 0700); err != nil {
		return fmt.Errorf("failed to create restore directory: %w", err)
	}

	opts := badger.DefaultOptions(restorePath).WithLogger(newBadgerLogAdapter())
	if len(storeEncryptionKey) > 0 {
		opts = opts.WithEncryptionKey(storeEncryptionKey).WithIndexCacheSize(10 << 20)
	}
	restoreDB, err := badger.Open(opts)
	if err != nil {
		return err
	}

	for _, file := range b.SortedEncryptedBackups() {
		logger.Info("Restoring backup", "file", filepath.Base(file))
		if err := b.loadEncryptedBackup(restoreDB, file); err != nil {
			restoreDB.Close()
			return err
		}
	}

	if err := restoreDB.Close(); err != nil {
		return err
	}
	logger.Info("Restore complete", "path", restorePath)
	return nil
}

func (b *BackupExecutor) loadEncryptedBackup(db *badger.DB, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// magic
	magicBuf := make([]byte, len(backupMagic))
	if _, err := io.ReadFull(f, magicBuf); err != nil {
		return err
	}
	if string(magicBuf) != backupMagic {
		return fmt.Errorf("bad magic")
	}

	// meta
	var metaLen uint32
	if err := binary.Read(f, binary.BigEndian, &metaLen); err != nil {
		return err
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(f, metaBuf); err != nil {
		return err
	}
	var meta BackupMeta
	if err := json.Unmarshal(metaBuf, &meta); err != nil {
		return err
	}

	// ciphertext
	ct, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	nonce, err := base64.StdEncoding.DecodeString(meta.NonceB64)
	if err != nil {
		return err
	}
	plain, err := encryption.DecryptAESGCM(ct, b.BackupEncryptionKey, nonce)
	if err != nil {
		return err
	}
	return db.Load(bytes.NewReader(plain), 10)
}
