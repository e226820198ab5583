package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/orgforest/orgforest/cmd/orgforest/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug     bool `help:"Enable debug mode."`
		Version   kong.VersionFlag
		Migrate   commands.MigrateCmd   `cmd:"" help:"Run database schema migrations"`
		Bootstrap commands.BootstrapCmd `cmd:"" help:"Create the root organization"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
