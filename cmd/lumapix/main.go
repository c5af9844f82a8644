package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/lumapix/lumapix/internal/activity"
	"github.com/lumapix/lumapix/internal/clock"
	"github.com/lumapix/lumapix/internal/config"
	"github.com/lumapix/lumapix/internal/generation"
	"github.com/lumapix/lumapix/internal/migration"
	"github.com/lumapix/lumapix/internal/observability"
	"github.com/lumapix/lumapix/internal/payment"
	"github.com/lumapix/lumapix/internal/poller"
	"github.com/lumapix/lumapix/internal/providers"
	"github.com/lumapix/lumapix/internal/referral"
	"github.com/lumapix/lumapix/internal/server"
	"github.com/lumapix/lumapix/internal/user"
	"github.com/lumapix/lumapix/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain
		user.Module,
		referral.Module,
		payment.Module,
		providers.Module,
		activity.Module,
		generation.Module,

		// Surfaces
		server.Module,
		poller.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
