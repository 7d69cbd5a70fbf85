package store

import (
	"time"

	"gorm.io/gorm"
)

// Post is a feed candidate indexed from either the firehose or the crawler.
// URI is globally unique; a row is never updated once written.
type Post struct {
	URI         string `gorm:"column:uri;primaryKey"`
	CID         string `gorm:"column:cid;index:idx_posts_feed,priority:2,sort:desc"`
	ReplyParent *string
	ReplyRoot   *string
	IndexedAt   time.Time `gorm:"index:idx_posts_feed,priority:1,sort:desc"`
}

type Cursor struct {
	gorm.Model
	LastSeq int64
}
