// ABOUTME: Per-tenant end-to-end encryption setup using mautrix cryptohelper
// ABOUTME: Derives store keys with HKDF and resets the crypto store on device changes

package matrix

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// cryptoDBFile is the crypto store inside a tenant directory.
const cryptoDBFile = "crypto.db"

type cryptoStore struct {
	helper *cryptohelper.CryptoHelper
}

func (c *cryptoStore) Close() error {
	if c == nil || c.helper == nil {
		return nil
	}
	return c.helper.Close()
}

// deriveStoreKey derives the 32-byte pickle key of one tenant's crypto store.
func deriveStoreKey(secret, instanceID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(instanceID), []byte("hive-gateway crypto store"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving store key: %w", err)
	}
	return key, nil
}

// setupCrypto initializes E2EE for client and wires it in for outgoing
// encryption. A crypto store left over from another device is reset first.
func setupCrypto(ctx context.Context, client *mautrix.Client, key []byte, dir string, logger *slog.Logger) (*cryptoStore, error) {
	dbPath := filepath.Join(dir, cryptoDBFile)

	if needsReset, err := checkDeviceIDMismatch(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if needsReset {
		logger.Warn("device ID mismatch detected, resetting crypto database")
		if err := removeCryptoDB(dbPath); err != nil {
			return nil, err
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, key, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		_ = helper.Close()
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}

	client.Crypto = helper
	logger.Info("encryption initialized", "device", client.DeviceID.String())
	return &cryptoStore{helper: helper}, nil
}

func removeCryptoDB(dbPath string) error {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing old crypto database: %w", err)
		}
	}
	return nil
}

// checkDeviceIDMismatch reports whether an existing crypto database belongs
// to a different device than currentDeviceID.
func checkDeviceIDMismatch(dbPath string, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var storedDeviceID string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&storedDeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return storedDeviceID != currentDeviceID, nil
}
