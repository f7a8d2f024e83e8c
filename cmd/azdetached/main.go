// Command azdetached runs the detached-job HTTP service on a
// standalone worker VM: cloud-init starts it once at boot via
// "azdetached serve", and it runs for the VM's lifetime, executing
// whatever code clients submit to it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/grailbio/base/log"
	"github.com/spf13/cobra"

	"github.com/mloubout/azmanagers/azure"
	"github.com/mloubout/azmanagers/detached"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error.Printf("azdetached: %v", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{Use: "azdetached"}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		addr   string
		jobDir string
		nretry int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the detached-job HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			subscriptionID, resourceGroup, name, err := azure.ResolveLocalIdentity(ctx)
			vm := detached.VM{}
			if err == nil {
				vm.SubscriptionID, vm.ResourceGroup, vm.Name = subscriptionID, resourceGroup, name
			} else {
				log.Error.Printf("azdetached: resolving instance metadata: %v (terminate disabled)", err)
			}

			var terminate func(ctx context.Context) error
			if vm.Name != "" {
				client := azure.NewClient(&azure.ManagedIdentitySession{}, nretry)
				reconciler := azure.NewReconciler(client, nretry)
				key := azure.VMKey{SubscriptionID: vm.SubscriptionID, ResourceGroup: vm.ResourceGroup, Name: vm.Name}
				terminate = func(ctx context.Context) error {
					return reconciler.DeleteVM(ctx, key)
				}
			}

			srv := detached.NewServer(jobDir, vm, terminate)
			httpSrv := &http.Server{
				Addr:         addr,
				Handler:      srv.Handler(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 0,
			}
			log.Printf("azdetached: serving on %s (jobs under %s)", addr, jobDir)
			return httpSrv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8081", "listen address")
	cmd.Flags().StringVar(&jobDir, "jobdir", defaultJobDir(), "directory for captured job output")
	cmd.Flags().IntVar(&nretry, "nretry", 5, "number of retries for Azure REST calls")
	return cmd
}

func defaultJobDir() string {
	dir, err := os.MkdirTemp("", "azdetached-jobs-")
	if err != nil {
		return fmt.Sprintf("/tmp/azdetached-jobs-%d", os.Getpid())
	}
	return dir
}
