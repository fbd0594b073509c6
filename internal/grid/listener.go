package grid

import "github.com/coachpo/luxgrid/internal/wire"

// UpdateType tags every data event. Full record pages use it too.
const UpdateType = "update"

// DataEvent is delivered for records and record-update messages.
type DataEvent struct {
	Total  int
	Result []wire.Record
	Type   string
}

// Listener receives decoded grid events. Callbacks run on the transport's read goroutine.
type Listener interface {
	OnDataReceived(DataEvent)
	OnMetadataReceived([]wire.ColumnMetadata)
}

// ListenerFuncs adapts a pair of functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Data     func(DataEvent)
	Metadata func([]wire.ColumnMetadata)
}

// OnDataReceived calls l.Data.
func (l ListenerFuncs) OnDataReceived(ev DataEvent) {
	if l.Data != nil {
		l.Data(ev)
	}
}

// OnMetadataReceived calls l.Metadata.
func (l ListenerFuncs) OnMetadataReceived(columns []wire.ColumnMetadata) {
	if l.Metadata != nil {
		l.Metadata(columns)
	}
}
