package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/metadata"
	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/models"
)

func newVMCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Run a workflow for a single VM by hand",
	}

	var (
		id       models.VMIdentity
		hostname string
	)
	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove a VM's host, interface, address and machine from the CMDB",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, krb, err := a.newEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			a.checkCredentials(krb)
			res, err := engine.DeleteVM(cmd.Context(), id, hostname)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id.InstanceID, res)
			return nil
		},
	}
	del.Flags().StringVar(&id.InstanceID, "instance-id", "", "instance UUID, used as the CMDB serial")
	del.Flags().StringVar(&id.ProjectID, "project-id", "", "owning project ID")
	del.Flags().StringVar(&hostname, "hostname", "", "host to delete first, if already known")
	_ = del.MarkFlagRequired("instance-id")

	cmd.AddCommand(del)
	return cmd
}

func newHostCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host operations against the CMDB",
	}

	var (
		hostname string
		md       metadata.BuildMetadata
	)
	manage := &cobra.Command{
		Use:   "manage",
		Short: "Move a host into a sandbox or domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if md.Sandbox == "" && md.Domain == "" {
				return fmt.Errorf("one of --sandbox or --domain is required")
			}
			client, krb, err := a.newCMDB(nil)
			if err != nil {
				return err
			}
			a.checkCredentials(krb)
			if err := client.ManageHost(cmd.Context(), hostname, &md); err != nil {
				return err
			}
			key, value := md.Selector()
			fmt.Fprintf(cmd.OutOrStdout(), "%s managed to %s %s\n", hostname, key, value)
			return nil
		},
	}
	manage.Flags().StringVar(&hostname, "hostname", "", "fully qualified host name")
	manage.Flags().StringVar(&md.Sandbox, "sandbox", "", "target sandbox as author/name")
	manage.Flags().StringVar(&md.Domain, "domain", "", "target domain, used when no sandbox is given")
	_ = manage.MarkFlagRequired("hostname")

	cmd.AddCommand(manage)
	return cmd
}
