package migration

import (
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	"github.com/fitloop/cadence/internal/config"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Versioned SQL targets postgres; other dialects (sqlite for local
		// hacking, mysql) build the schema from the models.
		return conn.AutoMigrate(
			&plandomain.Plan{},
			&subscriptiondomain.Subscription{},
			&subscriptiondomain.GroupMember{},
			&ledgerdomain.Entry{},
			&invoicedomain.Invoice{},
			&discountdomain.Discount{},
			&changedomain.Entry{},
		)
	}),
)
