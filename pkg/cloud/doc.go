// Package cloud is the boundary to the block-storage/compute API and the instance
// metadata service.
//
// Volume and instance state is owned by the cloud provider and may change between any
// two calls, so nothing in this package caches it: every Describe* call is a fresh read.
// Mutating calls (attach, detach) only request a transition; convergence is observed by
// the caller through polling.
package cloud
