package icloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"icloud-restore/internal/session"
)

// statusMoreAvailable is the docws signal that another page follows.
const statusMoreAvailable = "MORE_AVAILABLE"

// DeletedItem is one entry from the tombstone listing. Immutable once
// listed; re-listed ids carry updated metadata.
type DeletedItem struct {
	ID        string
	Name      string
	Size      int64
	DeletedAt time.Time
}

// TombstonePage is one page of the deleted-item enumeration. NextCursor is
// the opaque continuation token for the following page; More is false on
// the final page.
type TombstonePage struct {
	Items      []DeletedItem
	NextCursor string
	More       bool
}

// tombstoneResponse mirrors the docws enumeration JSON. Unexported —
// callers receive normalized TombstonePage values.
type tombstoneResponse struct {
	Status             string              `json:"status"`
	ContinuationMarker string              `json:"continuationMarker"`
	Documents          []tombstoneDocument `json:"documents"`
}

type tombstoneDocument struct {
	ItemID      string `json:"item_id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DateDeleted int64  `json:"date_deleted"` // epoch milliseconds
}

// ListTombstones fetches one page of deleted items. Pass an empty cursor
// for the first page; for subsequent pages pass the NextCursor from the
// previous TombstonePage. pageSize bounds how many items the server
// returns per page.
func (c *Client) ListTombstones(
	ctx context.Context, sess *session.Session, cursor string, pageSize int,
) (*TombstonePage, error) {
	query := url.Values{
		"limit":          {strconv.Itoa(pageSize)},
		"unified_format": {"true"},
	}
	if cursor != "" {
		query.Set("nextPage", cursor)
	}

	resp, err := c.do(ctx, sess, http.MethodGet, "/ws/_all_/list/enumerate/tombstones", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tr tombstoneResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("icloud: decoding tombstone response: %w", err)
	}

	items := make([]DeletedItem, 0, len(tr.Documents))

	for _, doc := range tr.Documents {
		if doc.ItemID == "" {
			continue
		}

		item := DeletedItem{
			ID:   doc.ItemID,
			Name: doc.Name,
			Size: doc.Size,
		}
		if doc.DateDeleted > 0 {
			item.DeletedAt = time.UnixMilli(doc.DateDeleted).UTC()
		}

		items = append(items, item)
	}

	more := tr.Status == statusMoreAvailable && tr.ContinuationMarker != ""

	c.logger.Debug("fetched tombstone page",
		slog.Int("raw_count", len(tr.Documents)),
		slog.Int("item_count", len(items)),
		slog.Bool("more", more),
	)

	return &TombstonePage{
		Items:      items,
		NextCursor: tr.ContinuationMarker,
		More:       more,
	}, nil
}
