package nucleus

import "github.com/expertping/idex.nucleus/id"

// ID is the primary identifier type for all nucleus entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
