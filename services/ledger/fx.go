package ledger

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		provideStore,
		NewProjector,
	),
)

func provideStore(db *gorm.DB, node *snowflake.Node) *Store {
	return NewStore(db, node)
}
