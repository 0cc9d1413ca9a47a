package txn

// Advisory qualifies a successful commit without turning it into an error
type Advisory uint8

const (
	AdvisoryNone Advisory = iota
	// AdvisoryAlreadyCommitted: the record was already committed; the stored timestamp is returned
	AdvisoryAlreadyCommitted
	// AdvisoryReadOnly: the transaction never wrote; committing it made nothing visible
	AdvisoryReadOnly
)

func (a Advisory) String() string {
	switch a {
	case AdvisoryNone:
		return "none"
	case AdvisoryAlreadyCommitted:
		return "already_committed"
	case AdvisoryReadOnly:
		return "read_only"
	default:
		return "unknown"
	}
}

// CommitResult is the outcome of a successful commit
type CommitResult struct {
	CommitTimestamp uint64
	Advisory        Advisory
}
