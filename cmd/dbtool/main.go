package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mscandco/distro-platform/backend/internal/config"
	"github.com/mscandco/distro-platform/backend/internal/logging"
	"github.com/mscandco/distro-platform/backend/internal/migrations"
	"github.com/mscandco/distro-platform/backend/internal/models"
	"github.com/mscandco/distro-platform/backend/internal/plans"
	"github.com/mscandco/distro-platform/backend/internal/store"
	"github.com/mscandco/distro-platform/backend/internal/stripe"
)

const usage = "usage: dbtool [up|fix|force <version>|status|seed-prices]"

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.LoadForTooling()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("dbtool")
	defer func() { _ = logger.Sync() }()

	cmd, args := "up", []string(nil)
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	if err := run(cfg, logger, cmd, args); err != nil {
		logger.Error("command failed", zap.String("command", cmd), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger, cmd string, args []string) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected", zap.String("target", cfg.DatabaseTarget()))

	switch cmd {
	case "up":
		return migrations.Up(db, logger)

	case "fix":
		logger.Info("attempting to fix dirty database")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			return err
		}
		logger.Info("database fixed")
		return nil

	case "force":
		if len(args) < 1 {
			return errors.New(usage)
		}
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[0])
		}
		if err := migrations.ForceVersion(db, uint(v)); err != nil {
			return err
		}
		logger.Info("database version forced", zap.Uint64("version", v))
		return nil

	case "status":
		st, err := migrations.CurrentStatus(db)
		if err != nil {
			return err
		}
		logger.Info("migration status", zap.Uint("version", st.Version), zap.Bool("dirty", st.Dirty), zap.Bool("fresh", st.Fresh))
		return nil

	case "seed-prices":
		prices, err := store.NewPriceStore(db)
		if err != nil {
			return err
		}
		client := stripe.NewClient(stripe.Config{
			SecretKey: cfg.StripeSecretKey,
			APIURL:    cfg.StripeAPIURL,
			Timeout:   30 * time.Second,
		}, logger)
		if !client.Configured() {
			return errors.New("STRIPE_SECRET_KEY is required for seed-prices")
		}
		return seedPrices(context.Background(), prices, client, cfg.Currency, logger)

	default:
		return errors.New(usage)
	}
}

type priceStore interface {
	GetPrice(ctx context.Context, planSlug, cycle string) (*models.PlanPrice, error)
	UpsertPrice(ctx context.Context, p *models.PlanPrice) error
}

type priceCreator interface {
	CreateProduct(ctx context.Context, name string, metadata map[string]string) (string, error)
	CreateRecurringPrice(ctx context.Context, productID string, amountCents int64, currency, interval, lookupKey string) (string, error)
}

var intervals = map[plans.BillingCycle]string{
	plans.Monthly: "month",
	plans.Yearly:  "year",
}

// seedPrices creates a processor product per catalog plan plus one price
// per billing cycle. Cycles already mapped are skipped, so reruns only fill
// gaps.
func seedPrices(ctx context.Context, prices priceStore, processor priceCreator, currency string, logger *zap.Logger) error {
	for _, plan := range plans.All() {
		productID := ""
		var missing []plans.BillingCycle

		for _, cycle := range []plans.BillingCycle{plans.Monthly, plans.Yearly} {
			existing, err := prices.GetPrice(ctx, string(plan.Slug), string(cycle))
			switch {
			case errors.Is(err, store.ErrPriceNotFound):
				missing = append(missing, cycle)
			case err != nil:
				return err
			default:
				productID = existing.ProcessorProduct
			}
		}
		if len(missing) == 0 {
			logger.Info("plan already seeded", zap.String("plan", string(plan.Slug)))
			continue
		}

		if productID == "" {
			id, err := processor.CreateProduct(ctx, plan.Name, map[string]string{
				"plan":          string(plan.Slug),
				"role_category": string(plan.Category),
			})
			if err != nil {
				return fmt.Errorf("create product for %s: %w", plan.Slug, err)
			}
			productID = id
		}

		for _, cycle := range missing {
			amount := plan.PriceCents(cycle)
			priceID, err := processor.CreateRecurringPrice(ctx, productID, amount, currency, intervals[cycle], string(plan.Slug)+"_"+string(cycle))
			if err != nil {
				return fmt.Errorf("create %s price for %s: %w", cycle, plan.Slug, err)
			}

			if err := prices.UpsertPrice(ctx, &models.PlanPrice{
				PlanSlug:         string(plan.Slug),
				BillingCycle:     string(cycle),
				ProcessorProduct: productID,
				ProcessorPrice:   priceID,
				AmountCents:      amount,
				Currency:         currency,
			}); err != nil {
				return err
			}
			logger.Info("seeded price",
				zap.String("plan", string(plan.Slug)),
				zap.String("cycle", string(cycle)),
				zap.String("price_id", priceID))
		}
	}
	return nil
}
