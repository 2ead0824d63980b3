package dbmodel

import (
	"github.com/pkg/errors"
	"github.com/samber/lo"

	dbops "github.com/metalyard/region/server/database"
)

// Named tag which can be attached to nodes.
type Tag struct {
	tableName  struct{} `pg:"tag"` //nolint:unused
	ID         int64    `pg:"id,pk"`
	Name       string   `pg:"name"`
	Definition string   `pg:"definition"`
	Comment    string   `pg:"comment"`
}

// Association between a node and a tag.
type NodeTag struct {
	tableName struct{} `pg:"node_tag"` //nolint:unused
	ID        int64    `pg:"id,pk"`
	NodeID    int64    `pg:"node_id"`
	TagID     int64    `pg:"tag_id"`
}

func init() {
	dbops.RegisterTable("tag", (*Tag)(nil),
		dbops.Index{Name: "name", Field: "Name", Unique: true})
	dbops.RegisterTable("node_tag", (*NodeTag)(nil),
		dbops.Index{Name: "node_id", Field: "NodeID"},
		dbops.Index{Name: "tag_id", Field: "TagID"})
}

// Returns the tag with the name. The tag is created when it does not
// exist yet.
func GetOrCreateTag(tx dbops.Tx, name string) (*Tag, error) {
	tag, err := dbops.First[Tag](tx, "name", name)
	if err == nil {
		return tag, nil
	} else if !errors.Is(err, dbops.ErrNotFound) {
		return nil, err
	}
	tag = &Tag{Name: name}
	if err := dbops.Insert(tx, tag); err != nil {
		return nil, errors.WithMessagef(err, "problem adding tag %s", name)
	}
	return tag, nil
}

// Returns the names of the tags attached to the node, ordered by the
// association ID.
func GetNodeTags(tx dbops.Tx, nodeID int64) ([]string, error) {
	associations, err := dbops.FindBy[NodeTag](tx, "node_id", nodeID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(associations))
	for _, association := range associations {
		tag, err := dbops.Get[Tag](tx, association.TagID)
		if err != nil {
			return nil, err
		}
		names = append(names, tag.Name)
	}
	return names, nil
}

// Makes the node tagged with exactly the given names. Only the
// associations in the symmetric difference are touched. Tags are reused
// by name and never deleted.
func SetNodeTags(tx dbops.Tx, nodeID int64, names []string) error {
	associations, err := dbops.FindBy[NodeTag](tx, "node_id", nodeID)
	if err != nil {
		return err
	}
	current := map[string]*NodeTag{}
	for _, association := range associations {
		tag, err := dbops.Get[Tag](tx, association.TagID)
		if err != nil {
			return err
		}
		current[tag.Name] = association
	}
	names = lo.Uniq(lo.Compact(names))
	toAdd, toRemove := lo.Difference(names, lo.Keys(current))

	for _, name := range toRemove {
		if err := dbops.Delete(tx, current[name]); err != nil {
			return err
		}
	}
	for _, name := range toAdd {
		tag, err := GetOrCreateTag(tx, name)
		if err != nil {
			return err
		}
		if err := dbops.Insert(tx, &NodeTag{NodeID: nodeID, TagID: tag.ID}); err != nil {
			return err
		}
	}
	return nil
}
