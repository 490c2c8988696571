package cache

import "fmt"

// ListID is the id of a collection tag.
const ListID = "LIST"

// Tag labels cached reads. {Type, "LIST"} stands for the whole collection of a
// resource type, {Type, id} for one instance. Tags compare structurally.
type Tag struct {
	Type string
	ID   string
}

// ListTag returns the collection tag of a resource type.
func ListTag(resourceType string) Tag {
	return Tag{Type: resourceType, ID: ListID}
}

// EntityTag returns the tag of one resource instance.
func EntityTag(resourceType, id string) Tag {
	return Tag{Type: resourceType, ID: id}
}

// IsList reports whether t is a collection tag.
func (t Tag) IsList() bool { return t.ID == ListID }

func (t Tag) String() string {
	return fmt.Sprintf("%s:%s", t.Type, t.ID)
}

// Status is the freshness of an entry.
type Status int

const (
	StatusFetching Status = iota
	StatusFresh
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusFetching:
		return "fetching"
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	default:
		return "unknown"
	}
}
