// Package main implements a one-shot seed command that provisions a tenant,
// its first dashboard admin user, and optionally an initial API credential
// directly in the exportkit database. It lives inside the server module so
// it can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --tenant-name "Acme Inc" --tenant-slug acme \
//	  --email admin@acme.com --password secret --name "Admin User"
//
// Environment variables:
//
//	EXPORTKIT_DB_DSN      SQLite file path (default: ./exportkit.db); the seed always uses the sqlite driver
//	EXPORTKIT_SECRET_KEY  Master encryption key — must match the value used by the server
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/exportkit-io/exportkit/internal/auth"
	"github.com/exportkit-io/exportkit/internal/authgate"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// --- Flags ---

	tenantName := flag.String("tenant-name", "", "Tenant display name (required)")
	tenantSlug := flag.String("tenant-slug", "", "Tenant slug, lowercase and URL-safe (required)")
	planTier := flag.String("plan-tier", "FREE", "Plan tier: FREE, PRO, or SCALE")

	email := flag.String("email", "", "Admin user email (required)")
	password := flag.String("password", "", "Admin user plain-text password (required)")
	name := flag.String("name", "Admin User", "Admin user display name")

	withCredential := flag.Bool("with-credential", true, "Also mint an initial ADMIN-scoped API credential for the tenant")
	credentialName := flag.String("credential-name", "default", "Name of the seeded API credential")

	flag.Parse()

	if *tenantName == "" {
		return fmt.Errorf("--tenant-name is required")
	}
	if *tenantSlug == "" {
		return fmt.Errorf("--tenant-slug is required")
	}
	if *planTier != "FREE" && *planTier != "PRO" && *planTier != "SCALE" {
		return fmt.Errorf("--plan-tier must be 'FREE', 'PRO', or 'SCALE'")
	}
	if *email == "" {
		return fmt.Errorf("--email is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}

	// --- Config ---

	dsn := envOrDefault("EXPORTKIT_DB_DSN", "./exportkit.db")

	secretKey := os.Getenv("EXPORTKIT_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"EXPORTKIT_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted fields written here will be unreadable at runtime.",
		)
	}

	// --- Encryption ---

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// --- Database ---

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()

	// --- Create tenant ---

	tenantRepo := repositories.NewTenantRepository(database)

	tenant := &db.Tenant{
		Name:     *tenantName,
		Slug:     *tenantSlug,
		PlanTier: *planTier,
	}

	if err := tenantRepo.Create(ctx, tenant); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a tenant with slug %q already exists", *tenantSlug)
		}
		return fmt.Errorf("create tenant: %w", err)
	}

	fmt.Printf("tenant created\n")
	fmt.Printf("  id:   %s\n", tenant.ID)
	fmt.Printf("  name: %s\n", tenant.Name)
	fmt.Printf("  slug: %s\n", tenant.Slug)
	fmt.Printf("  plan: %s\n", tenant.PlanTier)

	// --- Hash password and create dashboard admin user ---

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userRepo := repositories.NewDashboardUserRepository(database)

	user := &db.DashboardUser{
		Email:       *email,
		DisplayName: *name,
		Password:    db.EncryptedString(hashed),
		Role:        "admin",
		IsActive:    true,
	}

	if err := userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("a dashboard user with email %q already exists", *email)
		}
		return fmt.Errorf("create dashboard user: %w", err)
	}

	fmt.Printf("dashboard user created\n")
	fmt.Printf("  id:    %s\n", user.ID)
	fmt.Printf("  email: %s\n", user.Email)
	fmt.Printf("  role:  %s\n", user.Role)

	// --- Mint an initial API credential for the tenant ---

	if *withCredential {
		credRepo := repositories.NewCredentialRepository(database)

		generated, err := authgate.GenerateKey()
		if err != nil {
			return fmt.Errorf("generate api key: %w", err)
		}

		cred := &db.Credential{
			TenantID:     tenant.ID,
			Name:         *credentialName,
			Prefix:       generated.Prefix,
			SecretDigest: generated.Digest,
			Scope:        string(authgate.ScopeAdmin),
		}

		if err := credRepo.Create(ctx, cred); err != nil {
			return fmt.Errorf("create api credential: %w", err)
		}

		fmt.Printf("api credential created\n")
		fmt.Printf("  id:     %s\n", cred.ID)
		fmt.Printf("  scope:  %s\n", cred.Scope)
		fmt.Printf("  key:    %s\n", generated.Plaintext)
		fmt.Printf("  (this key is shown once — store it now, it cannot be recovered)\n")
	}

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
