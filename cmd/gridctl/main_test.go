package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/luxgrid/internal/app/records"
	"github.com/coachpo/luxgrid/internal/app/records/memory"
	"github.com/coachpo/luxgrid/internal/domain/recordstore"
	"github.com/coachpo/luxgrid/internal/infra/server/ws"
	"github.com/coachpo/luxgrid/internal/wire"
)

func TestFollowUpFromFlags(t *testing.T) {
	opts, err := parseFlags(nil)
	require.NoError(t, err)
	require.Nil(t, opts.followUp())

	opts, err = parseFlags([]string{"-page", "2", "-pageSize", "5", "-sortBy", "qty", "-sortDesc", "-filter", "record.qty > 1"})
	require.NoError(t, err)
	req := opts.followUp()
	require.NotNil(t, req)
	require.Equal(t, 2, *req.Page)
	require.Equal(t, 5, *req.PageSize)
	require.Equal(t, "qty", req.SortBy)
	require.True(t, req.SortDesc)
	require.Equal(t, "record.qty > 1", req.Filter)

	opts, err = parseFlags([]string{"-sortBy", "qty"})
	require.NoError(t, err)
	req = opts.followUp()
	require.Nil(t, req.Page)
	require.Nil(t, req.PageSize)
}

func TestClientConfigOverrides(t *testing.T) {
	client, err := clientConfig(context.Background(), options{url: "ws://example.com/grid", channel: "orders"})
	require.NoError(t, err)
	require.Equal(t, "ws://example.com/grid", client.URL)
	require.Equal(t, "orders", client.Channel)
	require.Positive(t, client.PageTimeout)

	_, err = clientConfig(context.Background(), options{configPath: "missing/app.yaml"})
	require.Error(t, err)
}

func TestRunPrintsEvents(t *testing.T) {
	columns := []wire.ColumnMetadata{{Name: "id", Sortable: true}, {Name: "qty", Type: "number", Sortable: true}}
	store, err := memory.New(columns,
		wire.Record{"id": "a", "qty": float64(5)},
		wire.Record{"id": "b", "qty": float64(1)},
		wire.Record{"id": "c", "qty": float64(9)},
	)
	require.NoError(t, err)
	service := records.NewService(store, recordstore.Limits{DefaultPageSize: 2})
	server := ws.NewServer(ws.Options{})
	require.NoError(t, service.Attach(server, "stock"))
	hs := httptest.NewServer(server)
	defer hs.Close()
	defer server.Close()

	out := new(bytes.Buffer)
	err = run(context.Background(), []string{
		"-url", hs.URL,
		"-channel", "stock",
		"-sortBy", "qty",
		"-sortDesc",
		"-duration", "750ms",
	}, out, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	var events []printedEvent
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		var ev printedEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.GreaterOrEqual(t, len(events), 3)

	var metadata, data []printedEvent
	for _, ev := range events {
		switch ev.Event {
		case "metadata":
			metadata = append(metadata, ev)
		case "data":
			data = append(data, ev)
		}
	}
	require.Len(t, metadata, 1)
	require.Len(t, metadata[0].Columns, 2)
	require.Len(t, data, 2)
	require.Equal(t, "update", data[0].Type)
	require.Equal(t, 3, *data[0].Total)
	require.Equal(t, "a", data[0].Result[0]["id"])
	require.Equal(t, "c", data[1].Result[0]["id"])
}
