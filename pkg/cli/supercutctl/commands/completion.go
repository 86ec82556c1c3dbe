package commands

import (
	"slices"

	supercutv1 "github.com/kralicky/supercut/pkg/apis/supercut/v1"
	"github.com/spf13/cobra"
)

const GroupIdClientCommands = "client"

func completeJobIds(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	client, ok := supercutv1.ClientFromContext(cmd.Context())
	if !ok {
		return nil, cobra.ShellCompDirectiveError
	}
	list, err := client.List(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	var ids []string
	for _, job := range list {
		if slices.Contains(args, job.ID) {
			continue
		}
		ids = append(ids, job.ID)
	}
	slices.Sort(ids)
	return ids, cobra.ShellCompDirectiveNoFileComp
}

func completeSearchTypes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"sentence", "fragment"}, cobra.ShellCompDirectiveNoFileComp
}
