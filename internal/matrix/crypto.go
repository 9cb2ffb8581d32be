// ABOUTME: End-to-end encryption setup for the bridge using mautrix cryptohelper
// ABOUTME: Resets a crypto store left behind by another device and verifies with a recovery key

package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// CryptoOptions locate and unlock the crypto store.
type CryptoOptions struct {
	// DBPath is the SQLite file holding Olm/Megolm sessions.
	DBPath string
	// PickleKey encrypts the stored keys.
	PickleKey string
	// RecoveryKey, when set, is used to cross-sign this device.
	RecoveryKey string
}

// CryptoManager handles Matrix E2EE setup and lifecycle.
type CryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto enables E2EE on a logged-in client. Outgoing messages in
// encrypted rooms are encrypted and incoming ones decrypted from then on.
func SetupCrypto(ctx context.Context, client *mautrix.Client, opts CryptoOptions, logger *slog.Logger) (*CryptoManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "crypto")

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("creating crypto directory: %w", err)
	}
	logger.Info("setting up encryption", "db", opts.DBPath, "device_id", client.DeviceID.String())

	if mismatch, err := deviceIDMismatch(opts.DBPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check device ID", "error", err)
	} else if mismatch {
		logger.Warn("crypto store belongs to another device, resetting it")
		if err := resetStore(opts.DBPath); err != nil {
			return nil, err
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, []byte(opts.PickleKey), opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	cm := &CryptoManager{helper: helper, logger: logger}

	if opts.RecoveryKey == "" {
		logger.Info("encryption initialized (no recovery key - cross-signing disabled)")
		return cm, nil
	}
	if err := cm.verifyWithRecoveryKey(ctx, opts.RecoveryKey); err != nil {
		// Encryption still works without cross-signing.
		logger.Warn("failed to verify with recovery key", "error", err)
	} else {
		logger.Info("encryption initialized with cross-signing verification")
	}
	return cm, nil
}

func (cm *CryptoManager) verifyWithRecoveryKey(ctx context.Context, recoveryKey string) error {
	machine := cm.helper.Machine()
	if machine == nil {
		return errors.New("crypto machine not initialized")
	}
	if err := machine.VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		return fmt.Errorf("recovery key verification failed: %w", err)
	}
	return nil
}

// Close cleans up crypto resources.
func (cm *CryptoManager) Close() error {
	if cm.helper != nil {
		return cm.helper.Close()
	}
	return nil
}

func resetStore(dbPath string) error {
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing old crypto database: %w", err)
	}
	_ = os.Remove(dbPath + "-wal")
	_ = os.Remove(dbPath + "-shm")
	return nil
}

// deviceIDMismatch reports whether an existing crypto store at dbPath was
// created for a different device. A new login gets a new device ID, and
// the old keys would then fail to load.
func deviceIDMismatch(dbPath, currentDeviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != currentDeviceID, nil
}
