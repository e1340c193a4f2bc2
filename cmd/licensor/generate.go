package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"licensor/internal/activation"
	"licensor/internal/config"
	"licensor/internal/crypto"
	"licensor/internal/envelope"
	"licensor/internal/license"
	"licensor/internal/store"
	"licensor/internal/store/sqlite"
)

var (
	genType        string
	genUser        string
	genHardwareID  string
	genMaxUsers    int
	genExpiresIn   time.Duration
	genTrialPeriod time.Duration
	genSubDuration time.Duration
	genProduct     string
	genProductName string
	genIssuer      string
	genFeatures    []string
	genOut         string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Mint a signed license envelope",
	RunE:  runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&genType, "type", "Standard", "License type (Standard, Trial, NodeLocked, Subscription, Floating, Concurrent)")
	f.StringVar(&genUser, "user", "", "Licensed user name")
	f.StringVar(&genHardwareID, "hardware-id", "", "Hardware id for NodeLocked licenses")
	f.IntVar(&genMaxUsers, "max-users", 0, "Seat cap for Floating and Concurrent licenses")
	f.DurationVar(&genExpiresIn, "expires-in", 0, "Expiry window from now (0 for perpetual)")
	f.DurationVar(&genTrialPeriod, "trial-period", 0, "Trial period for Trial licenses")
	f.DurationVar(&genSubDuration, "subscription-duration", 0, "Subscription window for Subscription licenses")
	f.StringVar(&genProduct, "product", "", "Product id (created when absent)")
	f.StringVar(&genProductName, "product-name", "default", "Product name when creating the product")
	f.StringVar(&genIssuer, "issuer", "", "Issuer recorded on the license")
	f.StringArrayVar(&genFeatures, "feature", nil, "Feature as name=kind:value (kinds: bool, int, float, string)")
	f.StringVarP(&genOut, "out", "o", "license.lic", "Envelope output path")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	secrets, err := crypto.LoadSecretsFile(cfg.Licensing.SecretsFile, cfg.Licensing.Passphrase)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}
	st, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	productID, err := resolveProduct(ctx, st)
	if err != nil {
		return err
	}
	features, err := parseFeatures(genFeatures)
	if err != nil {
		return err
	}

	req := activation.GenerateRequest{
		Type:                 license.Type(genType),
		ProductID:            productID,
		Issuer:               genIssuer,
		UserName:             genUser,
		HardwareID:           genHardwareID,
		MaxActiveUsers:       genMaxUsers,
		TrialPeriod:          genTrialPeriod,
		SubscriptionDuration: genSubDuration,
		Features:             features,
	}
	if genExpiresIn > 0 {
		exp := time.Now().UTC().Add(genExpiresIn)
		req.ExpirationDate = &exp
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	engine := activation.NewEngine(st, envelope.NewCodec(nil), secrets, logger)
	out, err := engine.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("generate license: %w", err)
	}
	if err := os.WriteFile(genOut, out.Envelope, 0o600); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	fmt.Printf("license %s written to %s\nkey: %s\n", out.ID, genOut, out.Key)
	return nil
}

func resolveProduct(ctx context.Context, st store.Store) (uuid.UUID, error) {
	if genProduct != "" {
		id, err := uuid.Parse(genProduct)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse product id: %w", err)
		}
		return id, nil
	}
	id := uuid.New()
	if err := st.InsertProduct(ctx, store.Product{ID: id, Name: genProductName}); err != nil {
		return uuid.Nil, fmt.Errorf("create product: %w", err)
	}
	return id, nil
}

func parseFeatures(specs []string) (map[string]license.Feature, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[string]license.Feature, len(specs))
	for _, spec := range specs {
		name, rest, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("malformed feature %q, want name=kind:value", spec)
		}
		kind, value, ok := strings.Cut(rest, ":")
		if !ok {
			return nil, fmt.Errorf("malformed feature %q, want name=kind:value", spec)
		}
		switch kind {
		case "bool":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("feature %q: %w", name, err)
			}
			out[name] = license.BoolFeature(b)
		case "int":
			n, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("feature %q: %w", name, err)
			}
			out[name] = license.IntFeature(int32(n))
		case "float":
			f, err := strconv.ParseFloat(value, 32)
			if err != nil {
				return nil, fmt.Errorf("feature %q: %w", name, err)
			}
			out[name] = license.FloatFeature(float32(f))
		case "string":
			out[name] = license.StringFeature(value)
		default:
			return nil, fmt.Errorf("feature %q: unknown kind %q", name, kind)
		}
	}
	return out, nil
}
