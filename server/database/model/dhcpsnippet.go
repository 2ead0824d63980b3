package dbmodel

import (
	"github.com/pkg/errors"

	dbops "github.com/metalyard/region/server/database"
)

// Administrator supplied fragment of the DHCP server configuration. A
// snippet is scoped to a node, to a subnet or is global when it has
// neither.
type DHCPSnippet struct {
	tableName   struct{} `pg:"dhcp_snippet"` //nolint:unused
	ID          int64    `pg:"id,pk"`
	Name        string   `pg:"name"`
	Description string   `pg:"description"`
	Value       string   `pg:"value"`
	Enabled     bool     `pg:"enabled,use_zero"`
	NodeID      int64    `pg:"node_id"`
	SubnetID    int64    `pg:"subnet_id"`
}

func init() {
	dbops.RegisterTable("dhcp_snippet", (*DHCPSnippet)(nil),
		dbops.Index{Name: "name", Field: "Name"},
		dbops.Index{Name: "enabled", Field: "Enabled"})
}

// Checks if the snippet applies to the whole configuration.
func (s *DHCPSnippet) IsGlobal() bool {
	return s.NodeID == 0 && s.SubnetID == 0
}

// Validates and inserts the snippet. A snippet cannot be scoped to both
// a node and a subnet.
func AddDHCPSnippet(tx dbops.Tx, snippet *DHCPSnippet) error {
	if snippet.Name == "" {
		return NewValidationError("DHCP snippet requires a name")
	}
	if snippet.NodeID != 0 && snippet.SubnetID != 0 {
		return NewValidationError("DHCP snippet %s cannot be scoped to both a node and a subnet", snippet.Name)
	}
	if err := dbops.Insert(tx, snippet); err != nil {
		return errors.WithMessagef(err, "problem adding DHCP snippet %s", snippet.Name)
	}
	return nil
}

// Returns the enabled snippets ordered by ID.
func GetEnabledDHCPSnippets(tx dbops.Tx) ([]*DHCPSnippet, error) {
	return dbops.FindBy[DHCPSnippet](tx, "enabled", true)
}
