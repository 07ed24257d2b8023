package icloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"icloud-restore/internal/session"
)

// BatchResult reports the outcome of one restore call. Failed maps item id
// to the provider's status message for items that did not restore;
// everything else in the submitted batch succeeded.
type BatchResult struct {
	Failed map[string]string
}

// ResultParser interprets the restore response body. The response shape is
// reverse-engineered and the provider may change it without notice, so the
// parsing is an adapter rather than a hard-coded assumption. ids is the
// batch that was submitted, in order.
type ResultParser interface {
	Parse(body []byte, ids []string) (*BatchResult, error)
}

// restoreRequest mirrors the docws recovery request body.
type restoreRequest struct {
	DriveItemUpdateRequest struct {
		IsRecover string `json:"is_recover"`
	} `json:"drive_item_update_request"`
	ItemIDs []string `json:"item_ids"`
}

// RestoreItems submits one batch of item ids to the recovery endpoint and
// returns the per-item outcome. The caller bounds len(ids) to the
// provider's accepted batch size.
func (c *Client) RestoreItems(
	ctx context.Context, sess *session.Session, ids []string, parser ResultParser,
) (*BatchResult, error) {
	if parser == nil {
		parser = StatusListParser{}
	}

	var req restoreRequest
	req.DriveItemUpdateRequest.IsRecover = "true"
	req.ItemIDs = ids

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("icloud: encoding restore request: %w", err)
	}

	bodyFunc := func() io.Reader { return bytes.NewReader(payload) }

	resp, err := c.do(ctx, sess, http.MethodPut, "/v1/items", nil, bodyFunc)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("icloud: reading restore response: %w", err)
	}

	result, err := parser.Parse(body, ids)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("restore batch completed",
		slog.Int("submitted", len(ids)),
		slog.Int("failed", len(result.Failed)),
	)

	return result, nil
}

// StatusListParser parses the drive_items_with_status response shape: a
// list of {item_id, status_code, status_message} entries. A status_code of
// "200" is success. Entries without an item_id apply to the whole batch
// (observed on older server pools), so a non-200 status there fails every
// submitted id. Items absent from the list are treated as succeeded.
type StatusListParser struct{}

type statusListResponse struct {
	DriveItemsWithStatus []itemStatus `json:"drive_items_with_status"`
}

type itemStatus struct {
	ItemID        string          `json:"item_id"`
	StatusCode    json.RawMessage `json:"status_code"` // string or number, server-dependent
	StatusMessage string          `json:"status_message"`
}

const statusOK = "200"

// Parse implements ResultParser.
func (StatusListParser) Parse(body []byte, ids []string) (*BatchResult, error) {
	var sr statusListResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("icloud: decoding restore response: %w", err)
	}

	result := &BatchResult{Failed: map[string]string{}}

	for _, st := range sr.DriveItemsWithStatus {
		code := rawStatusCode(st.StatusCode)
		if code == statusOK || code == "" {
			continue
		}

		msg := st.StatusMessage
		if msg == "" {
			msg = "status " + code
		}

		if st.ItemID != "" {
			result.Failed[st.ItemID] = msg

			continue
		}

		// Batch-level failure entry — fail everything submitted.
		for _, id := range ids {
			result.Failed[id] = msg
		}

		break
	}

	return result, nil
}

// rawStatusCode normalizes a status_code that may arrive as a JSON string
// or number.
func rawStatusCode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}

	var asNumber int
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return fmt.Sprintf("%d", asNumber)
	}

	return string(raw)
}
