package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tenant-provisioning-backend/api/server"
	"github.com/ruteri/tenant-provisioning-backend/api/unseal"
	"github.com/ruteri/tenant-provisioning-backend/cmd/flags"
	"github.com/ruteri/tenant-provisioning-backend/cryptoutils"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/ruteri/tenant-provisioning-backend/kms"
	"github.com/ruteri/tenant-provisioning-backend/storage"
	"github.com/urfave/cli/v2"
)

var MasterKeyHexFlag = &cli.StringFlag{
	Name:    "master-key-hex",
	EnvVars: []string{"TENANTD_MASTER_KEY"},
	Usage:   "hex-encoded 32-byte master key",
}

var MasterKeyURIFlag = &cli.StringFlag{
	Name:    "master-key-uri",
	EnvVars: []string{"TENANTD_MASTER_KEY_URI"},
	Usage:   "comma separated key store URIs (file://, vault://, s3://) holding the master key",
}

var MasterKeySharesFlag = &cli.StringFlag{
	Name:    "master-key-shares",
	EnvVars: []string{"TENANTD_MASTER_KEY_SHARES"},
	Usage:   "comma separated hex Shamir shares of the master key",
}

var PreviousMasterKeysFlag = &cli.StringFlag{
	Name:    "previous-master-keys-hex",
	EnvVars: []string{"TENANTD_PREVIOUS_MASTER_KEYS"},
	Usage:   "comma separated hex master keys retired by rotation, still accepted for decryption",
}

var UnsealThresholdFlag = &cli.IntFlag{
	Name:  "unseal-threshold",
	Usage: "start sealed and collect this many Shamir shares over HTTP before serving",
}

var UnsealListenAddrFlag = &cli.StringFlag{
	Name:  "unseal-listen-addr",
	Value: "127.0.0.1:8081",
	Usage: "address of the unseal API while sealed",
}

var UnsealTimeoutFlag = &cli.DurationFlag{
	Name:  "unseal-timeout",
	Value: 24 * time.Hour,
	Usage: "how long to wait for operators to unseal",
}

var MasterKeyFlags = []cli.Flag{
	MasterKeyHexFlag,
	MasterKeyURIFlag,
	MasterKeySharesFlag,
	PreviousMasterKeysFlag,
	UnsealThresholdFlag,
	UnsealListenAddrFlag,
	UnsealTimeoutFlag,
}

// SetupMasterKey loads the master key from exactly one configured source and
// checks it against the stored tenant secrets. With an unseal threshold the
// call blocks until operators submitted enough shares.
func SetupMasterKey(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, registry interfaces.TenantRegistry) (*kms.SimpleKMS, []*kms.SimpleKMS, error) {
	keyHex := cCtx.String(MasterKeyHexFlag.Name)
	keyURI := cCtx.String(MasterKeyURIFlag.Name)
	shares := cCtx.String(MasterKeySharesFlag.Name)
	threshold := cCtx.Int(UnsealThresholdFlag.Name)

	sources := 0
	for _, set := range []bool{keyHex != "", keyURI != "", shares != "", threshold > 0} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, nil, errors.New("exactly one of master-key-hex, master-key-uri, master-key-shares and unseal-threshold must be set")
	}

	previous, err := parsePreviousKeys(cCtx.String(PreviousMasterKeysFlag.Name))
	if err != nil {
		return nil, nil, err
	}
	verify := func(ctx context.Context, k *kms.SimpleKMS) error {
		return verifyMasterKey(ctx, registry, k, previous)
	}

	var k *kms.SimpleKMS
	switch {
	case keyHex != "":
		logger.Info("Using master key from flag")
		k, err = kms.NewSimpleKMSFromHex(keyHex)
	case keyURI != "":
		k, err = loadFromKeyStores(ctx, logger, keyURI)
	case shares != "":
		logger.Info("Combining master key shares")
		var parsed [][]byte
		if parsed, err = kms.ParseHexShares(shares); err == nil {
			k, err = kms.CombineShares(parsed)
		}
	default:
		// Verification happens inside the unseal handler so operators can
		// retry with other shares.
		k, err = waitForUnseal(ctx, cCtx, logger, threshold, verify)
		if err != nil {
			return nil, nil, err
		}
		return k, previous, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load master key: %w", err)
	}

	if err := verify(ctx, k); err != nil {
		return nil, nil, err
	}
	return k, previous, nil
}

func parsePreviousKeys(s string) ([]*kms.SimpleKMS, error) {
	var out []*kms.SimpleKMS
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, err := kms.NewSimpleKMSFromHex(part)
		if err != nil {
			return nil, fmt.Errorf("invalid previous master key: %w", err)
		}
		out = append(out, k)
	}
	return out, nil
}

func loadFromKeyStores(ctx context.Context, logger *slog.Logger, uris string) (*kms.SimpleKMS, error) {
	var locations []interfaces.KeyStoreLocation
	for _, uri := range strings.Split(uris, ",") {
		if uri = strings.TrimSpace(uri); uri != "" {
			locations = append(locations, interfaces.KeyStoreLocation(uri))
		}
	}

	store, err := storage.NewKeyStoreFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, err
	}
	logger.Info("Loading master key from key store", "store", store.Name())
	return kms.LoadFromKeyStore(ctx, store)
}

func waitForUnseal(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, threshold int, verify unseal.VerifyFunc) (*kms.SimpleKMS, error) {
	handler, err := unseal.NewHandler(threshold, cCtx.String(flags.AdminTokenFlag.Name), verify, logger)
	if err != nil {
		return nil, err
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(UnsealListenAddrFlag.Name))
	cfg.MetricsAddr = ""
	cfg.DrainDuration = 0
	srv, err := server.New(cfg, nil, handler)
	if err != nil {
		return nil, err
	}
	srv.RunInBackground()
	defer srv.Shutdown()

	logger.Info("Sealed, waiting for master key shares", "listenAddress", cfg.ListenAddr, "threshold", threshold)

	ctx, cancel := context.WithTimeout(ctx, cCtx.Duration(UnsealTimeoutFlag.Name))
	defer cancel()
	return handler.WaitForUnseal(ctx)
}

// verifyMasterKey decrypts one stored tenant secret. A fresh deployment has
// nothing to check against.
func verifyMasterKey(ctx context.Context, registry interfaces.TenantRegistry, k *kms.SimpleKMS, previous []*kms.SimpleKMS) error {
	tenants, err := registry.ListTenants(ctx, interfaces.TenantReady, interfaces.TenantSuspended)
	if err != nil {
		return fmt.Errorf("failed to list tenants for key verification: %w", err)
	}

	cipher, err := k.SecretCipher(previous...)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if t.EncryptedConnection == "" {
			continue
		}
		if _, err := cryptoutils.DecryptString(cipher, t.EncryptedConnection, cryptoutils.TenantAssociatedData(t.ID)); err != nil {
			return fmt.Errorf("master key cannot decrypt the secret of tenant %s: %w", t.Slug, err)
		}
		return nil
	}
	return nil
}
