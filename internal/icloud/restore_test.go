package icloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreItemsRequestShape(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotBody   []byte
	)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)

		fmt.Fprint(w, `{"drive_items_with_status": []}`)
	})

	result, err := client.RestoreItems(context.Background(), testSession(), []string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Failed)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/v1/items", gotPath)

	var req map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &req))
	assert.Equal(t, map[string]any{"is_recover": "true"}, req["drive_item_update_request"])
	assert.Equal(t, []any{"a", "b"}, req["item_ids"])
}

func TestRestoreItemsAuthExpired(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.RestoreItems(context.Background(), testSession(), []string{"a"}, nil)
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestStatusListParserPartialFailure(t *testing.T) {
	body := []byte(`{
		"drive_items_with_status": [
			{"item_id": "a", "status_code": "200"},
			{"item_id": "b", "status_code": "404", "status_message": "ITEM_NOT_FOUND"},
			{"item_id": "c", "status_code": 500}
		]
	}`)

	result, err := StatusListParser{}.Parse(body, []string{"a", "b", "c", "d"})
	require.NoError(t, err)

	assert.Len(t, result.Failed, 2)
	assert.Equal(t, "ITEM_NOT_FOUND", result.Failed["b"])
	assert.Equal(t, "status 500", result.Failed["c"], "numeric status codes are normalized")
	assert.NotContains(t, result.Failed, "a")
	assert.NotContains(t, result.Failed, "d", "items absent from the list succeeded")
}

func TestStatusListParserBatchLevelFailure(t *testing.T) {
	body := []byte(`{
		"drive_items_with_status": [
			{"status_code": "503", "status_message": "SERVICE_BUSY"}
		]
	}`)

	ids := []string{"a", "b", "c"}

	result, err := StatusListParser{}.Parse(body, ids)
	require.NoError(t, err)

	require.Len(t, result.Failed, len(ids), "an entry without item_id fails the whole batch")

	for _, id := range ids {
		assert.Equal(t, "SERVICE_BUSY", result.Failed[id])
	}
}

func TestStatusListParserEmptyResponse(t *testing.T) {
	result, err := StatusListParser{}.Parse([]byte(`{}`), []string{"a"})
	require.NoError(t, err)
	assert.Empty(t, result.Failed, "no status list means whole-batch success")
}

func TestStatusListParserMalformed(t *testing.T) {
	_, err := StatusListParser{}.Parse([]byte(`not json`), []string{"a"})
	assert.Error(t, err)
}
