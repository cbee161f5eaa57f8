package wyrd

import (
	"fmt"
	"strconv"
)

// Type to represent an ID of a resource
type ResourceID uint

// Version ID type
type Version uint64

const InvalidResourceID ResourceID = 0

func (v Version) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

func (r ResourceID) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

func ParseResourceID(value string) (ResourceID, error) {
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return InvalidResourceID, fmt.Errorf("invalid resource id %q: %w", value, err)
	}

	return ResourceID(id), nil
}

type VersionedResourceId struct {
	ID      ResourceID `form:"id" json:"id" yaml:"id" xml:"id"`
	Version Version    `form:"version" json:"version" yaml:"version" xml:"version"`
}

func NewVersionedId(id ResourceID, version Version) VersionedResourceId {
	return VersionedResourceId{
		ID:      id,
		Version: version,
	}
}

func (r VersionedResourceId) String() string {
	return fmt.Sprintf("%v@%d", r.ID, r.Version)
}
