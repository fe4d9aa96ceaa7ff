//go:build !linux

package sandbox

// ApplyRestrictions is a no-op outside Linux: Landlock, network
// namespaces and the uid/gid drop are all Linux mechanisms, so the fork
// backend provides no isolation here. Non-Linux deployments are expected
// to use the docker backend instead.
func ApplyRestrictions(_ Capability) error {
	return nil
}
