//go:build !(darwin && arm64)

package hypervisor

// NewHost returns an error on unsupported platforms.
func NewHost() (Host, error) {
	return nil, ErrUnsupportedPlatform
}
