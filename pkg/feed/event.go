package feed

// PostCollection is the only record collection this service indexes.
const PostCollection = "app.bsky.feed.post"

// Event kinds as delivered by the firehose transport.
const (
	KindCommit    = "commit"
	KindHandle    = "handle"
	KindIdentity  = "identity"
	KindMigrate   = "migrate"
	KindTombstone = "tombstone"
	KindInfo      = "info"
)

// Op actions on a repo path.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// CommitEvent is one firehose delivery for a single repo. Only events of
// KindCommit carry Ops.
type CommitEvent struct {
	Kind string
	Repo string
	Seq  int64
	Ops  []RepoOp
}

// RepoOp is one mutation inside a commit. Record holds the raw CBOR of the
// record for creates and updates and is nil for deletes.
type RepoOp struct {
	Action string
	Path   string
	CID    string
	Record []byte
}

// PostRecord is the subset of an app.bsky.feed.post record we care about.
// Reply refs are nil when the post is not a reply.
type PostRecord struct {
	Text        string
	ReplyParent *string
	ReplyRoot   *string
}

// PostCreate is a new post found in a commit.
type PostCreate struct {
	URI    string
	CID    string
	Record PostRecord
}

// PostDelete names a post removed by a commit.
type PostDelete struct {
	URI string
}

// OpsByType groups the post operations of a commit.
type OpsByType struct {
	Creates []PostCreate
	Deletes []PostDelete
}
