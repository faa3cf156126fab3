package domain

// MappingCategory partitions the mapping table of one tenant. Entries are
// last-write-wins and never proactively deleted; stale values are superseded.
type MappingCategory string

const (
	// MapDirect keys an owner-side relayed message to the originating user,
	// used to route owner replies.
	MapDirect MappingCategory = "direct-relay"
	// MapThread keys a user to their dedicated thread id.
	MapThread MappingCategory = "thread"
	// MapUserForward keys a user's original message to its relayed copy,
	// used to sync user edits.
	MapUserForward MappingCategory = "user-forward"
	// MapForwardUser keys a relayed copy back to the user it came from.
	MapForwardUser MappingCategory = "forward-user"
	// MapOwnerUser keys an owner message to the copy delivered to the user,
	// used to sync owner edits.
	MapOwnerUser MappingCategory = "owner-user"
)
