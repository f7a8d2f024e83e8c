package azmanagers

import (
	"github.com/grailbio/base/config"
)

// azureConfig holds the values registered under the
// "azmanagers/azure/managed" profile key: the resource group,
// subscription, and SSH identity a deployment uses by default.
// Operators override them per-profile rather than passing flags to
// every subcommand.
type azureConfig struct {
	ResourceGroup  string
	SubscriptionID string
	SSHUser        string
	NRetry         int
	Verbose        bool
}

func init() {
	config.Register("azmanagers/azure/managed", func(constr *config.Constructor) {
		var c azureConfig
		constr.StringVar(&c.ResourceGroup, "resourcegroup", "", "default Azure resource group")
		constr.StringVar(&c.SubscriptionID, "subscriptionid", "", "default Azure subscription id")
		constr.StringVar(&c.SSHUser, "sshuser", "azureuser", "ssh username seeded into worker VMs")
		nretry := constr.Int("nretry", 5, "number of retries for Azure REST calls")
		constr.BoolVar(&c.Verbose, "verbose", false, "verbose Azure request logging")
		constr.Doc = "azmanagers/azure/managed configures the defaults used by the Azure scale-set reconciler and cluster manager."
		constr.New = func() (interface{}, error) {
			c.NRetry = *nretry
			return &c, nil
		}
	})
	config.Default("azmanagers/azure", "azmanagers/azure/managed")
}
