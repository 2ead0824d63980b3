package dhcp

import "fmt"

// Raised when the DHCP configuration of a VLAN cannot be generated for an
// IP family, e.g. the rack has no address on the VLAN.
type DHCPConfigurationError struct {
	Message string
}

// Creates a configuration error.
func NewDHCPConfigurationError(format string, args ...any) *DHCPConfigurationError {
	return &DHCPConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// Returns error string.
func (e *DHCPConfigurationError) Error() string {
	return e.Message
}

// Raised when no DNS server address of the family can be determined.
type UnresolvableHostError struct {
	Host   string
	Family int
}

// Returns error string.
func (e *UnresolvableHostError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("no IPv%d DNS server address could be determined", e.Family)
	}
	return fmt.Sprintf("unable to resolve %s to an IPv%d address", e.Host, e.Family)
}
