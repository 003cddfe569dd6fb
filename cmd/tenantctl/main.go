package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tenant-provisioning-backend/api"
	"github.com/ruteri/tenant-provisioning-backend/api/clients"
	"github.com/ruteri/tenant-provisioning-backend/cmd/flags"
	"github.com/ruteri/tenant-provisioning-backend/common"
	"github.com/ruteri/tenant-provisioning-backend/cryptoutils"
	"github.com/ruteri/tenant-provisioning-backend/interfaces"
	"github.com/ruteri/tenant-provisioning-backend/kms"
	"github.com/ruteri/tenant-provisioning-backend/storage"
	"github.com/urfave/cli/v2"
)

var flagSlug = &cli.StringFlag{
	Name:     "slug",
	Required: true,
	Usage:    "tenant slug",
}

var flagName = &cli.StringFlag{
	Name:     "name",
	Required: true,
	Usage:    "display name of the tenant",
}

var flagPlan = &cli.StringFlag{
	Name:  "plan",
	Value: "basic",
	Usage: "subscription plan",
}

var flagToken = &cli.StringFlag{
	Name:     "token",
	Required: true,
	Usage:    "confirmation token returned by init",
}

var flagID = &cli.StringFlag{
	Name:     "id",
	Required: true,
	Usage:    "provisioning id of the tenant",
}

var flagInterval = &cli.DurationFlag{
	Name:  "interval",
	Value: time.Second,
	Usage: "status polling interval",
}

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 5 * time.Minute,
	Usage: "give up waiting after this long",
}

var flagStatus = &cli.StringFlag{
	Name:  "status",
	Usage: "comma separated tenant statuses to list",
}

var flagStoreURI = &cli.StringFlag{
	Name:  "store-uri",
	Usage: "comma separated key store URIs (file://, vault://, s3://) to save the master key to",
}

var flagShareCount = &cli.IntFlag{
	Name:  "shares",
	Usage: "split the master key into this many Shamir shares",
}

var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "shares needed to reconstruct the master key",
}

var flagShareList = &cli.StringFlag{
	Name:     "shares",
	Required: true,
	Usage:    "comma separated hex Shamir shares",
}

var flagShare = &cli.StringFlag{
	Name:     "share",
	Required: true,
	Usage:    "hex Shamir share of the master key",
}

func main() {
	app := &cli.App{
		Name:    "tenantctl",
		Usage:   "Operate a tenantd deployment",
		Version: common.Version,
		Flags: append([]cli.Flag{
			flags.ServerAddrFlag,
			flags.AdminTokenFlag,
		}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "register a tenant and print its confirmation token",
				Flags:  []cli.Flag{flagSlug, flagName, flagPlan},
				Action: initTenant,
			},
			{
				Name:   "confirm",
				Usage:  "start provisioning a registered tenant",
				Flags:  []cli.Flag{flagToken},
				Action: confirmTenant,
			},
			{
				Name:  "status",
				Usage: "print the provisioning status and step log of a tenant",
				Flags: []cli.Flag{flagID},
				Action: func(cCtx *cli.Context) error {
					id, err := parseID(cCtx)
					if err != nil {
						return err
					}
					status, err := client(cCtx).Status(cCtx.Context, id)
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:   "wait",
				Usage:  "block until a tenant is ready",
				Flags:  []cli.Flag{flagID, flagInterval, flagTimeout},
				Action: waitTenant,
			},
			{
				Name:   "list",
				Usage:  "list tenants (operator)",
				Flags:  []cli.Flag{flagStatus},
				Action: listTenants,
			},
			adminCommand("requeue", "retry provisioning of a failed tenant (operator)", (*clients.ProvisioningClient).Requeue),
			adminCommand("suspend", "block routing to a ready tenant (operator)", (*clients.ProvisioningClient).Suspend),
			adminCommand("resume", "unblock a suspended tenant (operator)", (*clients.ProvisioningClient).Resume),
			{
				Name:  "invalidate",
				Usage: "evict a tenant from the routing cache (operator)",
				Flags: []cli.Flag{flagID},
				Action: func(cCtx *cli.Context) error {
					id, err := parseID(cCtx)
					if err != nil {
						return err
					}
					return client(cCtx).Invalidate(cCtx.Context, id)
				},
			},
			{
				Name:  "unseal",
				Usage: "submit a master key share to a sealed tenantd",
				Flags: []cli.Flag{flagShare},
				Action: func(cCtx *cli.Context) error {
					status, err := client(cCtx).SubmitShare(cCtx.Context, cCtx.String(flagShare.Name))
					if err != nil {
						return err
					}
					return printJSON(status)
				},
			},
			{
				Name:  "keys",
				Usage: "master key management",
				Subcommands: []*cli.Command{
					{
						Name:   "generate",
						Usage:  "create a master key, optionally storing and splitting it",
						Flags:  []cli.Flag{flagStoreURI, flagShareCount, flagThreshold},
						Action: generateKey,
					},
					{
						Name:  "combine",
						Usage: "reconstruct the master key from Shamir shares",
						Flags: []cli.Flag{flagShareList},
						Action: func(cCtx *cli.Context) error {
							shares, err := kms.ParseHexShares(cCtx.String(flagShareList.Name))
							if err != nil {
								return err
							}
							k, err := kms.CombineShares(shares)
							if err != nil {
								return err
							}
							fmt.Println(k.MasterKeyHex())
							return nil
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func client(cCtx *cli.Context) *clients.ProvisioningClient {
	return clients.NewProvisioningClient(cCtx.String(flags.ServerAddrFlag.Name), cCtx.String(flags.AdminTokenFlag.Name))
}

func parseID(cCtx *cli.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(cCtx.String(flagID.Name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid provisioning id: %w", err)
	}
	return id, nil
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func initTenant(cCtx *cli.Context) error {
	resp, err := client(cCtx).Init(cCtx.Context, api.InitRequest{
		Slug: cCtx.String(flagSlug.Name),
		Name: cCtx.String(flagName.Name),
		Plan: cCtx.String(flagPlan.Name),
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func confirmTenant(cCtx *cli.Context) error {
	resp, err := client(cCtx).Confirm(cCtx.Context, cCtx.String(flagToken.Name))
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func waitTenant(cCtx *cli.Context) error {
	id, err := parseID(cCtx)
	if err != nil {
		return err
	}
	logger := flags.SetupLogger(cCtx)

	ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
	defer cancel()

	logger.Info("Waiting for tenant", "id", id)
	status, err := client(cCtx).WaitUntilReady(ctx, id, cCtx.Duration(flagInterval.Name))
	if err != nil {
		return err
	}
	return printJSON(status)
}

func listTenants(cCtx *cli.Context) error {
	var statuses []interfaces.TenantStatus
	for _, s := range strings.Split(cCtx.String(flagStatus.Name), ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, interfaces.TenantStatus(s))
		}
	}
	tenants, err := client(cCtx).ListTenants(cCtx.Context, statuses...)
	if err != nil {
		return err
	}
	return printJSON(tenants)
}

type adminAction func(*clients.ProvisioningClient, context.Context, uuid.UUID) (*api.TenantSummary, error)

func adminCommand(name, usage string, action adminAction) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{flagID},
		Action: func(cCtx *cli.Context) error {
			id, err := parseID(cCtx)
			if err != nil {
				return err
			}
			summary, err := action(client(cCtx), cCtx.Context, id)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
}

func generateKey(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	masterKey, err := cryptoutils.GenerateMasterKey()
	if err != nil {
		return err
	}
	k, err := kms.NewSimpleKMS(masterKey)
	if err != nil {
		return err
	}

	storeURI := cCtx.String(flagStoreURI.Name)
	shareCount := cCtx.Int(flagShareCount.Name)

	if storeURI != "" {
		var locations []interfaces.KeyStoreLocation
		for _, uri := range strings.Split(storeURI, ",") {
			if uri = strings.TrimSpace(uri); uri != "" {
				locations = append(locations, interfaces.KeyStoreLocation(uri))
			}
		}
		store, err := storage.NewKeyStoreFactory(logger).CreateMultiBackend(locations)
		if err != nil {
			return err
		}
		if err := kms.SaveToKeyStore(cCtx.Context, store, k); err != nil {
			return err
		}
		logger.Info("Master key stored", "store", store.Name())
	}

	if shareCount > 0 {
		shares, err := kms.SplitMasterKey(masterKey, shareCount, cCtx.Int(flagThreshold.Name))
		if err != nil {
			return err
		}
		for _, share := range shares {
			fmt.Println(hex.EncodeToString(share))
		}
	}

	if storeURI == "" && shareCount == 0 {
		fmt.Println(k.MasterKeyHex())
	}
	if storeURI == "" && shareCount > 0 {
		logger.Warn("Master key was only split, keep at least threshold shares")
	}
	return nil
}
