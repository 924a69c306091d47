package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"media-enricher/config"
	"media-enricher/constant"
	server2 "media-enricher/server"
)

var roles = []constant.Role{
	constant.RoleThumbnail,
	constant.RoleMetadata,
	constant.RoleProjection,
	constant.RoleIdentitySync,
	constant.RoleAll,
}

func worker(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "worker [thumbnail|metadata|projection|identity-sync|all]",
		Aliases: []string{"server"},
		Short:   "run workers for a role, all of them by default",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := constant.RoleAll
			if len(args) == 1 {
				role = constant.Role(args[0])
			}
			if !slices.Contains(roles, role) {
				return fmt.Errorf("unknown role %q", role)
			}
			return server2.RunWorker(config, role)
		},
	}
}
