package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/tinyrange/vmgenid/internal/genid"
)

// EventSource is the source name of generation change records.
const EventSource = "genid"

type eventRecord struct {
	GUID       []byte    `cbor:"1,keyasint"`
	Generation uint64    `cbor:"2,keyasint"`
	Observed   time.Time `cbor:"3,keyasint"`
}

var (
	eventEncMode cbor.EncMode
	eventDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	eventEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: cbor encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}
	eventDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("journal: cbor decoder mode: %v", err))
	}
}

// EncodeEvent encodes a generation change.
func EncodeEvent(ev genid.Event, observed time.Time) ([]byte, error) {
	return eventEncMode.Marshal(eventRecord{
		GUID:       ev.GUID[:],
		Generation: ev.Generation,
		Observed:   observed,
	})
}

// DecodeEvent decodes a record written by EncodeEvent.
func DecodeEvent(data []byte) (genid.Event, time.Time, error) {
	var rec eventRecord
	if err := eventDecMode.Unmarshal(data, &rec); err != nil {
		return genid.Event{}, time.Time{}, fmt.Errorf("journal: decode event: %w", err)
	}
	if len(rec.GUID) != genid.GUIDSize {
		return genid.Event{}, time.Time{}, fmt.Errorf("journal: event guid is %d bytes", len(rec.GUID))
	}
	var ev genid.Event
	copy(ev.GUID[:], rec.GUID)
	ev.Generation = rec.Generation
	return ev, rec.Observed, nil
}

// Consumer records every generation change in a Journal.
type Consumer struct {
	J *Journal
}

func (c Consumer) Name() string { return "journal" }

// Notify implements genid.Consumer.
func (c Consumer) Notify(_ context.Context, ev genid.Event) error {
	data, err := EncodeEvent(ev, c.J.now())
	if err != nil {
		return fmt.Errorf("journal: encode event: %w", err)
	}
	return c.J.Append(KindEvent, EventSource, data)
}
