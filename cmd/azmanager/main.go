// Command azmanager is the operator-facing CLI for the Azure cluster
// manager: it can grow or shrink a scale set directly against the
// Azure API, or print the live manager's debug status page.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/grailbio/base/log"
	"github.com/spf13/cobra"

	"github.com/mloubout/azmanagers"
	"github.com/mloubout/azmanagers/azure"
	"github.com/mloubout/azmanagers/internal/jsontree"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error.Printf("azmanager: %v", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "azmanager",
		Short: "manage Azure scale sets backing a compute cluster",
	}
	root.AddCommand(addProcsCmd(), rmProcsCmd(), statusCmd())
	return root
}

// newReconciler loads the operator's manifest and builds an
// azure.Reconciler against it. It uses the same managed-identity
// session as a worker VM; an operator invoking this from elsewhere
// needs a host with an equivalent system-assigned identity.
func newReconciler(nretry int) (*azure.Reconciler, azmanagers.Manifest, error) {
	mf, err := azmanagers.LoadManifest()
	if err != nil {
		return nil, mf, err
	}
	client := azure.NewClient(&azure.ManagedIdentitySession{}, nretry)
	return azure.NewReconciler(client, nretry), mf, nil
}

func addProcsCmd() *cobra.Command {
	var (
		n               int
		vmSize          string
		location        string
		spot            bool
		maxPrice        float64
		templatePath    string
		sshKeyPath      string
		sshUser         string
		customDataPath  string
		imageName       string
		sigImageName    string
		sigImageVersion string
		nretry          int
	)
	cmd := &cobra.Command{
		Use:   "addprocs [scaleset]",
		Short: "grow a scale set by n workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reconciler, mf, err := newReconciler(nretry)
			if err != nil {
				return err
			}
			templateBytes, err := os.ReadFile(templatePath)
			if err != nil {
				return fmt.Errorf("reading template: %w", err)
			}
			template, err := jsontree.Parse(templateBytes)
			if err != nil {
				return fmt.Errorf("parsing template: %w", err)
			}
			authorizedKey, err := os.ReadFile(sshKeyPath)
			if err != nil {
				return fmt.Errorf("reading ssh public key: %w", err)
			}
			var customData string
			if customDataPath != "" {
				script, err := os.ReadFile(customDataPath)
				if err != nil {
					return fmt.Errorf("reading customdata script: %w", err)
				}
				customData = string(script)
			}
			if sshUser == "" {
				sshUser = mf.SSHUser
			}
			key := azure.ScaleSetKey{SubscriptionID: mf.SubscriptionID, ResourceGroup: mf.ResourceGroup, ScaleSet: args[0]}
			total, err := reconciler.CreateOrUpdate(context.Background(), key, n, location, vmSize, spot, maxPrice, template, string(authorizedKey), customData, sshUser, imageName, sigImageName, sigImageVersion)
			if err != nil {
				return err
			}
			fmt.Printf("%s now has %d instances\n", key.ScaleSet, total)
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 1, "number of workers to add")
	cmd.Flags().StringVar(&vmSize, "vmsize", "Standard_D2s_v3", "Azure VM size")
	cmd.Flags().StringVar(&location, "location", "eastus", "Azure region")
	cmd.Flags().BoolVar(&spot, "spot", false, "use spot pricing")
	cmd.Flags().Float64Var(&maxPrice, "maxprice", -1, "max spot price, -1 for pay-as-you-go cap")
	cmd.Flags().StringVar(&templatePath, "template", "", "path to the scale set ARM template JSON")
	cmd.Flags().StringVar(&sshKeyPath, "sshkey", "", "path to the SSH public key seeded into new instances")
	cmd.Flags().StringVar(&sshUser, "sshuser", "", "login seeded into new instances, defaults to the manifest's ssh_user")
	cmd.Flags().StringVar(&customDataPath, "customdata", "", "path to the cloud-init shell script run at boot")
	cmd.Flags().StringVar(&imageName, "imagename", "", "managed image name; empty resolves this host's own image")
	cmd.Flags().StringVar(&sigImageName, "sigimagename", "", "shared image gallery image name")
	cmd.Flags().StringVar(&sigImageVersion, "sigimageversion", "", "shared image gallery image version")
	cmd.Flags().IntVar(&nretry, "nretry", 5, "number of retries for Azure REST calls")
	cmd.MarkFlagRequired("template")
	cmd.MarkFlagRequired("sshkey")
	return cmd
}

func rmProcsCmd() *cobra.Command {
	var nretry int
	cmd := &cobra.Command{
		Use:   "rmprocs [scaleset] [instanceid]",
		Short: "remove a single worker instance from a scale set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reconciler, mf, err := newReconciler(nretry)
			if err != nil {
				return err
			}
			key := azure.ScaleSetKey{SubscriptionID: mf.SubscriptionID, ResourceGroup: mf.ResourceGroup, ScaleSet: args[0]}
			if err := reconciler.DeleteInstance(context.Background(), key, args[1]); err != nil {
				return err
			}
			fmt.Printf("removed instance %s from %s\n", args[1], args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&nretry, "nretry", 5, "number of retries for Azure REST calls")
	return cmd
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "fetch the manager's debug status page",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://%s/debug/azmanagers/status", addr))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "manager's listen address")
	return cmd
}
