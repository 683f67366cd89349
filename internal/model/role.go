// Package model contains the entity shapes shared across packages: roles,
// stage events, batches, products and change notifications.
package model

import (
	"fmt"
	"strings"
)

// Role identifies the supply-chain actor allowed to complete a stage. The set
// is closed; anything outside it is rejected at the boundary by ParseRole.
type Role string

const (
	RoleFarmer       Role = "farmer"
	RoleProcessor    Role = "processor"
	RoleSupplier     Role = "supplier"
	RoleManufacturer Role = "manufacturer"
	RoleDistributor  Role = "distributor"
	RoleRetailer     Role = "retailer"
	RoleConsumer     Role = "consumer"
)

// Roles lists every valid role in custody order.
var Roles = []Role{
	RoleFarmer,
	RoleProcessor,
	RoleSupplier,
	RoleManufacturer,
	RoleDistributor,
	RoleRetailer,
	RoleConsumer,
}

// roleAliases maps alternative spellings used by the web client.
var roleAliases = map[string]Role{
	"brand": RoleManufacturer,
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

// ParseRole normalizes a role string (case and surrounding space) and returns
// the matching Role.
func ParseRole(s string) (Role, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if alias, ok := roleAliases[norm]; ok {
		return alias, nil
	}
	r := Role(norm)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}
