package cmdb

import "strings"

// The CMDB offers no structured view of a machine's interfaces, so cleanup
// matches tokens in the free-text machine details. Callers go through these
// two helpers only.

// HasAddress reports whether ip appears in the machine details.
func HasAddress(detail, ip string) bool {
	return ip != "" && strings.Contains(detail, ip)
}

// HasInterface reports whether an interface named name appears in the machine
// details.
func HasInterface(detail, name string) bool {
	return name != "" && strings.Contains(detail, name)
}
