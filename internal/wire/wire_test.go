package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/luxgrid/errs"
)

func TestDecodeFrameValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{name: "heartbeat", raw: `{"type":"heartbeat"}`, ok: true},
		{name: "subscribe", raw: `{"type":"subscribe","channel":"tasks"}`, ok: true},
		{name: "subscribe without channel", raw: `{"type":"subscribe"}`, ok: false},
		{name: "rpc", raw: `{"type":"rpc","channel":"tasks","id":"1","data":{}}`, ok: true},
		{name: "rpc without id", raw: `{"type":"rpc","channel":"tasks"}`, ok: false},
		{name: "error without channel", raw: `{"type":"error","id":"1","error":"boom"}`, ok: true},
		{name: "unknown type", raw: `{"type":"bogus","channel":"tasks"}`, ok: false},
		{name: "malformed", raw: `{"type":`, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tc.raw))
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errs.IsCode(err, errs.CodeInvalid))
		})
	}
}

func TestDecodeFrameTrimsChannel(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"message","channel":"  tasks ","data":{"event":"records"}}`))
	require.NoError(t, err)
	require.Equal(t, "tasks", f.Channel)
	require.JSONEq(t, `{"event":"records"}`, string(f.Data))
}

func TestRawJSONDefaultsToEmptyObject(t *testing.T) {
	raw, err := RawJSON(nil)
	require.NoError(t, err)
	require.Equal(t, "{}", string(raw))

	var opts *PageOptions
	raw, err = RawJSON(opts)
	require.NoError(t, err)
	require.Equal(t, "{}", string(raw))

	page := 3
	raw, err = RawJSON(&PageOptions{Page: &page, SortBy: "name"})
	require.NoError(t, err)
	require.JSONEq(t, `{"page":3,"sortBy":"name"}`, string(raw))
}

func TestRecordsMessageRoundTrip(t *testing.T) {
	data, err := NewRecordsMessage(EventRecords, []Record{{"uuid": "a", "status": "sent"}}, 42)
	require.NoError(t, err)

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, EventRecords, msg.Event)
	require.Equal(t, 42, msg.TotalOrZero())

	records, err := msg.Records()
	require.NoError(t, err)
	require.Equal(t, []Record{{"uuid": "a", "status": "sent"}}, records)
}

func TestColumnsMessage(t *testing.T) {
	data, err := NewColumnsMessage([]ColumnMetadata{{Name: "status", DisplayName: "Status", Sortable: true}})
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"columns-metadata","data":[{"name":"status","displayName":"Status","sortable":true}]}`, string(data))

	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, 0, msg.TotalOrZero())
	cols, err := msg.Columns()
	require.NoError(t, err)
	require.Len(t, cols, 1)
	require.Equal(t, "Status", cols[0].DisplayName)
}

func TestRecordsRejectsWrongShape(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"event":"records","data":{"not":"a list"}}`))
	require.NoError(t, err)
	_, err = msg.Records()
	require.Error(t, err)

	empty := Message{Event: EventRecords}
	records, err := empty.Records()
	require.NoError(t, err)
	require.Nil(t, records)
}
