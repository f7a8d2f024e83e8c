/*
Package azmanagers holds the pieces shared across the azmanagers
command suite: the on-disk manifest of Azure defaults
(ResourceGroup, SubscriptionID, SSH identity), the config.Register
profile that lets a deployment override them, and the HTTP retry
policy every Azure REST call in package azure is built on.

The cluster manager runtime itself — accepting worker registrations,
tracking scale-set reference counts, and killing individual workers —
lives in package azmanagers/manager. Scale-set and VM provisioning
lives in package azmanagers/azure. The detached-job HTTP service and
its client live in package azmanagers/detached.
*/
package azmanagers
